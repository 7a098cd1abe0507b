package env_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/autopilot/internal/utils/env"
)

func TestParse(t *testing.T) {
	t.Setenv("AUTOPILOT_TEST_TOKEN", "s3cr3t")

	tests := map[string]struct {
		specs   []string
		expList []string
		expErr  bool
	}{
		"No specs should be an empty environment.": {
			expList: []string{},
		},
		"Key value specs should be parsed and sorted.": {
			specs:   []string{"GOFLAGS=-mod=mod", "EMPTY="},
			expList: []string{"EMPTY=", "GOFLAGS=-mod=mod"},
		},
		"A bare key should be taken from the environment.": {
			specs:   []string{"AUTOPILOT_TEST_TOKEN"},
			expList: []string{"AUTOPILOT_TEST_TOKEN=s3cr3t"},
		},
		"Later specs should win.": {
			specs:   []string{"A=1", "A=2"},
			expList: []string{"A=2"},
		},
		"A bare key that is not set should fail.": {
			specs:  []string{"AUTOPILOT_TEST_MISSING"},
			expErr: true,
		},
		"An invalid key should fail.": {
			specs:  []string{"1BAD=x"},
			expErr: true,
		},
		"An empty spec should fail.": {
			specs:  []string{""},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := env.Parse(test.specs...)
			if test.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expList, got.List())
		})
	}
}

func TestEnvListOfMap(t *testing.T) {
	assert.Equal(t, []string{}, env.Env(nil).List())
	assert.Equal(t, []string{"A=1", "B=2"}, env.Env(map[string]string{"B": "2", "A": "1"}).List())
}
