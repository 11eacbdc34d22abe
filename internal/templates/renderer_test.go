package templates

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRendererRestrictsEnvironmentAndFilesystem(t *testing.T) {
	t.Setenv("TEST_VAR", "value")
	renderer := NewRenderer()

	for _, source := range []string{
		`{{ env "TEST_VAR" }}`,
		`{{ expandenv "$TEST_VAR" }}`,
		`{{ readFile "/etc/hostname" }}`,
	} {
		_, err := renderer.CompileInline("inline", source)
		require.Error(t, err, source)
	}
}

func TestRendererRendersRoutes(t *testing.T) {
	renderer := NewRenderer()

	tests := []struct {
		name   string
		source string
		data   any
		want   string
	}{
		{
			name:   "escapes path segments",
			source: "/v1/{{ .platform }}/profiles/{{ segment .handle }}",
			data:   map[string]any{"platform": "instagram", "handle": "acme/co"},
			want:   "/v1/instagram/profiles/acme%2Fco",
		},
		{
			name:   "sprig helpers are available",
			source: "/v1/{{ .platform | lower }}/posts?since={{ .since }}",
			data:   map[string]any{"platform": "LinkedIn", "since": "2026-01-01"},
			want:   "/v1/linkedin/posts?since=2026-01-01",
		},
		{
			name:   "missing keys render empty",
			source: "/v1/{{ .platform }}/total",
			data:   map[string]string{},
			want:   "/v1//total",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tmpl, err := renderer.CompileInline(tc.name, tc.source)
			require.NoError(t, err)
			got, err := tmpl.Render(tc.data)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCompileInlineEmptyReturnsNil(t *testing.T) {
	tmpl, err := NewRenderer().CompileInline("blank", "   ")
	require.NoError(t, err)
	require.Nil(t, tmpl)

	_, err = tmpl.Render(nil)
	require.Error(t, err)
	require.Empty(t, tmpl.Name())
}

func TestCompileSet(t *testing.T) {
	renderer := NewRenderer()

	set, err := renderer.CompileSet(map[string]string{
		"aggregate": "/v1/{{ .platform }}/aggregate",
		"posts":     "/v1/{{ .platform }}/posts",
	})
	require.NoError(t, err)
	require.Len(t, set, 2)
	require.Equal(t, "posts", set["posts"].Name())

	_, err = renderer.CompileSet(map[string]string{"aggregate": ""})
	require.Error(t, err)

	_, err = renderer.CompileSet(map[string]string{"broken": "{{ .x "})
	require.Error(t, err)
}
