package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupMapValue(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`lookup(details, "type") == "overloaded_error"`)
	require.NoError(t, err)

	activation := Failure{Details: map[string]any{"type": "overloaded_error"}}.activation()
	matched, err := program.EvalBool(activation)
	require.NoError(t, err)
	require.True(t, matched, "expected lookup to match existing key")

	missingProgram, err := env.Compile(`lookup(details, "missing") == "value"`)
	require.NoError(t, err)
	matched, err = missingProgram.EvalBool(activation)
	require.NoError(t, err)
	require.False(t, matched, "expected lookup to return null for missing key")
}

func TestCompileRejectsNonBool(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile(`status + 1`)
	require.Error(t, err)
	_, err = env.Compile("   ")
	require.Error(t, err)
	_, err = env.Compile(`unknown_var == 1`)
	require.Error(t, err)
}

func TestProgramSource(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	program, err := env.Compile(`  true `)
	require.NoError(t, err)
	require.Equal(t, "true", program.Source())
}

func TestDefaultClassifier(t *testing.T) {
	classifier, err := NewClassifier("")
	require.NoError(t, err)
	require.Equal(t, DefaultTransientExpression, classifier.Source())

	tests := []struct {
		name    string
		failure Failure
		want    bool
	}{
		{name: "rate limited", failure: Failure{Status: 429}, want: true},
		{name: "service unavailable", failure: Failure{Status: 503}, want: true},
		{name: "overloaded message", failure: Failure{Status: 500, Message: "Model is Overloaded"}, want: true},
		{name: "bad request", failure: Failure{Status: 400, Message: "invalid prompt"}, want: false},
		{name: "transport error", failure: Failure{Message: "connection reset"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := classifier.Transient(tt.failure)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestCustomClassifier(t *testing.T) {
	classifier, err := NewClassifier(`attempt < 3 && provider == "anthropic" && status >= 500`)
	require.NoError(t, err)

	retry, err := classifier.Transient(Failure{Status: 500, Attempt: 1, Provider: "anthropic"})
	require.NoError(t, err)
	require.True(t, retry)

	retry, err = classifier.Transient(Failure{Status: 500, Attempt: 3, Provider: "anthropic"})
	require.NoError(t, err)
	require.False(t, retry)

	_, err = NewClassifier(`status`)
	require.Error(t, err)
}
