package langruntime

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		tag     string
		want    Runtime
		wantErr bool
	}{
		{"node", Node, false},
		{"NODE", Node, false},
		{" bun ", Bun, false},
		{"typescript", TypeScript, false},
		{"ts", TypeScript, false},
		{"python", Unknown, true},
		{"", Unknown, true},
	}

	for _, tt := range tests {
		got, err := Parse(tt.tag)
		if tt.wantErr && err == nil {
			t.Errorf("Parse(%q) expected error, got none", tt.tag)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("Parse(%q) unexpected error: %v", tt.tag, err)
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %v, want %v", tt.tag, got, tt.want)
		}
	}
}

func TestDescribeDefaultCommand(t *testing.T) {
	d := Describe(Node)
	argv := d.DefaultCommand("main")
	want := []string{"node", "main.js"}
	if !equalSlices(argv, want) {
		t.Errorf("Node DefaultCommand = %v, want %v", argv, want)
	}

	d = Describe(Bun)
	argv = d.DefaultCommand("main")
	want = []string{"bun", "run", "main.ts"}
	if !equalSlices(argv, want) {
		t.Errorf("Bun DefaultCommand = %v, want %v", argv, want)
	}
}

func TestDescribePanicsOnUnknown(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Describe(Unknown) should panic")
		}
	}()
	Describe(Unknown)
}

func TestInstallCommand(t *testing.T) {
	if argv := InstallCommand(Bun); argv[0] != "bun" {
		t.Errorf("InstallCommand(Bun) = %v, want bun install", argv)
	}
	if argv := InstallCommand(Node); argv[0] != "npm" {
		t.Errorf("InstallCommand(Node) = %v, want npm install", argv)
	}
}

func TestRuntimeString(t *testing.T) {
	if Node.String() != "node" {
		t.Errorf("Node.String() = %q, want node", Node.String())
	}
	if Unknown.String() != "unknown" {
		t.Errorf("Unknown.String() = %q, want unknown", Unknown.String())
	}
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
