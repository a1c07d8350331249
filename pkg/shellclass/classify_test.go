package shellclass

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Class
	}{
		{name: "ls", input: "ls -la", expected: ReadOnly},
		{name: "pipeline of readers", input: "cat go.mod | grep module | head -1", expected: ReadOnly},
		{name: "git status", input: "git status --short", expected: ReadOnly},
		{name: "redirect to dev null", input: "grep -r foo . > /dev/null", expected: ReadOnly},
		{name: "redirect to file", input: "echo hi > notes.txt", expected: Mutating},
		{name: "append to file", input: "echo hi >> notes.txt", expected: Mutating},
		{name: "unknown program", input: "sed -i s/a/b/ main.go", expected: Mutating},
		{name: "git commit", input: "git commit -m wip", expected: Mutating},
		{name: "go build", input: "go build ./...", expected: Exclusive},
		{name: "go test behind and", input: "cd backend && go test ./...", expected: Exclusive},
		{name: "go fmt", input: "go fmt ./...", expected: Mutating},
		{name: "npm install", input: "npm install", expected: Exclusive},
		{name: "make", input: "make", expected: Exclusive},
		{name: "sudo wrapper", input: "sudo apt-get install -y jq", expected: Exclusive},
		{name: "env wrapper", input: "env CGO_ENABLED=0 go build .", expected: Exclusive},
		{name: "migration tool", input: "goose up", expected: Exclusive},
		{name: "migrate subcommand", input: "rails db:migrate", expected: Exclusive},
		{name: "git reset", input: "git reset --hard HEAD", expected: Exclusive},
		{name: "recursive rm", input: "rm -rf build", expected: Exclusive},
		{name: "plain rm", input: "rm notes.txt", expected: Mutating},
		{name: "command substitution", input: "echo $(go test ./...)", expected: Exclusive},
		{name: "computed program", input: "$TOOL run", expected: Exclusive},
		{name: "find delete", input: "find . -name '*.tmp' -delete", expected: Mutating},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Classify(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, res.Class, "reasons: %v", res.Reasons)
		})
	}
}

func TestClassify_Programs(t *testing.T) {
	res, err := Classify("/usr/bin/git diff | wc -l")
	require.NoError(t, err)
	assert.Equal(t, []string{"git", "wc"}, res.Programs)
	assert.Empty(t, res.Reasons)
}

func TestClassify_Errors(t *testing.T) {
	_, err := Classify("   ")
	assert.Error(t, err)

	_, err = Classify("echo 'unterminated")
	assert.Error(t, err)
}
