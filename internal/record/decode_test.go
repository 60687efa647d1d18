package record

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeJSON_BareArray(t *testing.T) {
	t.Parallel()

	b, err := DecodeJSON(strings.NewReader(`[{"hostname":"ws-1","childproc_count":3},{"hostname":"ws-2"}]`))
	if err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2", b.Len())
	}
	if got := b.Records[0].Float("childproc_count"); got != 3 {
		t.Errorf("childproc_count = %v, want 3", got)
	}
	if got := b.Records[1].String("hostname", ""); got != "ws-2" {
		t.Errorf("hostname = %q, want ws-2", got)
	}
}

func TestDecodeJSON_Envelope(t *testing.T) {
	t.Parallel()

	b, err := DecodeJSON(strings.NewReader(`{"records":[{"group":"Dev Team"}]}`))
	if err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if b.Len() != 1 {
		t.Fatalf("Len = %d, want 1", b.Len())
	}
	if len(b.Columns) != 1 || b.Columns[0] != "group" {
		t.Errorf("Columns = %v, want [group]", b.Columns)
	}
}

func TestDecodeJSON_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"empty", "   "},
		{"not json", "hostname,user"},
		{"scalar", "42"},
		{"array of scalars", "[1,2]"},
		{"null record", `[{"a":1},null]`},
		{"envelope without records", `{"rows":[]}`},
		{"truncated", `[{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeJSON(strings.NewReader(tt.body))
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecodeJSON_EmptyArray(t *testing.T) {
	t.Parallel()

	b, err := DecodeJSON(strings.NewReader(`[]`))
	if err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("Len = %d, want 0", b.Len())
	}
}

func TestDecodeCSV(t *testing.T) {
	t.Parallel()

	in := "\ufeffhostname, childproc_count,group,cmdline\n" +
		"ws-1,4,Engineering,\"cmd.exe /c whoami\"\n" +
		"ws-2,,,\n" +
		"ws-3,x7\n"

	b, err := DecodeCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("DecodeCSV: %v", err)
	}
	wantCols := []string{"hostname", "childproc_count", "group", "cmdline"}
	if len(b.Columns) != len(wantCols) {
		t.Fatalf("Columns = %v, want %v", b.Columns, wantCols)
	}
	for i := range wantCols {
		if b.Columns[i] != wantCols[i] {
			t.Errorf("Columns[%d] = %q, want %q", i, b.Columns[i], wantCols[i])
		}
	}
	if b.Len() != 3 {
		t.Fatalf("Len = %d, want 3", b.Len())
	}

	r0 := b.Records[0]
	if v, ok := r0["childproc_count"].(float64); !ok || v != 4 {
		t.Errorf("childproc_count = %#v, want float64 4", r0["childproc_count"])
	}
	if got := r0.String("cmdline", ""); got != "cmd.exe /c whoami" {
		t.Errorf("cmdline = %q", got)
	}

	r1 := b.Records[1]
	if _, ok := r1["childproc_count"]; ok {
		t.Error("empty cell should be absent")
	}
	if _, ok := r1["group"]; ok {
		t.Error("empty group cell should be absent")
	}

	r2 := b.Records[2]
	if got := r2["childproc_count"]; got != "x7" {
		t.Errorf("non-numeric cell = %#v, want string x7", got)
	}
	if got := r2.Float("childproc_count"); got != 0 {
		t.Errorf("Float of non-numeric = %v, want 0", got)
	}
}

func TestDecodeCSV_NoHeader(t *testing.T) {
	t.Parallel()

	_, err := DecodeCSV(strings.NewReader(""))
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestDecodeCSV_BadQuoting(t *testing.T) {
	t.Parallel()

	_, err := DecodeCSV(strings.NewReader("a,b\n\"unterminated,1\n"))
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func FuzzDecodeCSV(f *testing.F) {
	f.Add("hostname,childproc_count\nws-1,3\n")
	f.Add("a\n\n")
	f.Add("")
	f.Fuzz(func(t *testing.T, in string) {
		b, err := DecodeCSV(strings.NewReader(in))
		if err != nil {
			return
		}
		for _, r := range b.Records {
			for k := range r {
				if k == "" {
					t.Fatal("record has empty column name")
				}
			}
		}
	})
}
