package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const stageYAML = `
graph: gs://graphs/two-source.yaml
inputs:
- placeholder: x1
  receptiveField: [16, 16]
  image:
    size: [32, 32]
    components: 2
    spacing: [0.5, 0.5]
    fill: 1
- placeholder: x2
  receptiveField: [8, 8]
  image:
    size: [16, 16]
    components: 2
outputs:
- tensor: y
  expressionField: [4, 4]
userPlaceholders:
- scale=2 is_training=false
targets: [calls]
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(stageYAML))
	require.NoError(t, err)

	want := &StageConfig{
		Graph: "gs://graphs/two-source.yaml",
		Inputs: []InputConfig{
			{
				Placeholder:    "x1",
				ReceptiveField: []int{16, 16},
				Image:          ImageConfig{Size: []int{32, 32}, Components: 2, Spacing: []float64{0.5, 0.5}, Fill: 1},
			},
			{
				Placeholder:    "x2",
				ReceptiveField: []int{8, 8},
				Image:          ImageConfig{Size: []int{16, 16}, Components: 2},
			},
		},
		Outputs:          []OutputConfig{{Tensor: "y", ExpressionField: []int{4, 4}}},
		UserPlaceholders: []string{"scale=2 is_training=false"},
		Targets:          []string{"calls"},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("unexpected config (-want +got):\n%s", diff)
	}
	require.Equal(t, []int{16, 16}, cfg.CenterIndex())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TENSORSTAGE_GRAPH", "/tmp/local.yaml")
	t.Setenv("TENSORSTAGE_TARGETS", "a, b,,c")

	cfg, err := Parse([]byte(stageYAML))
	require.NoError(t, err)
	require.Equal(t, "/tmp/local.yaml", cfg.Graph)
	require.Equal(t, []string{"a", "b", "c"}, cfg.Targets)
}

func TestValidate(t *testing.T) {
	grid := []struct {
		name string
		yaml string
		want string
	}{
		{name: "no graph", yaml: `inputs: []`, want: "graph is required"},
		{
			name: "no placeholder",
			yaml: "graph: g.yaml\ninputs:\n- receptiveField: [4]\n  image: {size: [4], components: 1}\n",
			want: "placeholder is required",
		},
		{
			name: "dimension mismatch",
			yaml: "graph: g.yaml\ninputs:\n- placeholder: x\n  receptiveField: [4, 4]\n  image: {size: [4], components: 1}\n",
			want: "differ in dimensions",
		},
		{
			name: "no components",
			yaml: "graph: g.yaml\ninputs:\n- placeholder: x\n  receptiveField: [4]\n  image: {size: [4]}\n",
			want: "components must be positive",
		},
		{
			name: "no expression field",
			yaml: "graph: g.yaml\noutputs:\n- tensor: y\n",
			want: "expressionField is required",
		},
		{
			name: "bad center",
			yaml: "graph: g.yaml\ncenter: [1]\ninputs:\n- placeholder: x\n  receptiveField: [4, 4]\n  image: {size: [8, 8], components: 1}\n",
			want: "center",
		},
	}
	for _, g := range grid {
		t.Run(g.name, func(t *testing.T) {
			_, err := Parse([]byte(g.yaml))
			require.ErrorContains(t, err, g.want)
		})
	}
}

func TestLoad(t *testing.T) {
	p := filepath.Join(t.TempDir(), "stage.yaml")
	require.NoError(t, os.WriteFile(p, []byte(stageYAML), 0644))

	cfg, err := Load(p)
	require.NoError(t, err)
	require.Len(t, cfg.Inputs, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
