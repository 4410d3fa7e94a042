package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCheck(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "ok.tengo", []byte("x := 1\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "bad.tts", []byte("count: int := \"many\"\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "helpers.tts", []byte("limit: int := 3\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "notes.txt", []byte("x := 1\n"), 0o644))

	tests := []struct {
		name     string
		file     string
		dialect  string
		global   bool
		wantErr  bool
		contains string
	}{
		{name: "native ok", file: "ok.tengo", contains: "ok.tengo: ok"},
		{name: "typed mismatch", file: "bad.tts", wantErr: true, contains: "error"},
		{name: "global declarations", file: "helpers.tts", global: true, contains: "Declarations:"},
		{name: "unknown extension", file: "notes.txt", wantErr: true},
		{name: "explicit dialect", file: "notes.txt", dialect: "tengo", contains: "notes.txt: ok"},
		{name: "bad dialect", file: "ok.tengo", dialect: "lua", wantErr: true},
		{name: "missing file", file: "nope.tengo", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkDialect, checkGlobal, checkFormat = tt.dialect, tt.global, "text"
			defer func() { checkDialect, checkGlobal = "", false }()

			var buf bytes.Buffer
			err := runCheck(context.Background(), &buf, fs, tt.file)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Contains(t, buf.String(), tt.contains)
		})
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "scriptd v"+version+"\n", buf.String())
}
