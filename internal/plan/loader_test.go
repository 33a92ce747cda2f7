package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlPlan = `
name: entity rename
phases:
  - id: P1
    workItems:
      - id: explore
        taskType: codeExploration>3files
        estimate: {operations: 4, delegations: 1}
        payload:
          paths: [internal/]
    successCriteria:
      - allItemsCompleted
      - name: testsPass
        command: [go, test, ./...]
  - id: P2
    dependsOn: [P1]
    workItems:
      - id: write
        taskType: sourceImplementation
`

const tomlPlan = `
id = "rename"

[[phases]]
id = "P1"
successCriteria = ["allItemsCompleted", { name = "lint", command = ["make", "lint"] }]

  [[phases.workItems]]
  id = "explore"
  taskType = "broadSearch"
  estimate = { operations = 2 }

[[phases]]
id = "P2"
dependsOn = ["P1"]

  [[phases.workItems]]
  id = "write"
  capability = "code-writing"
`

const jsonPlan = `{
  "phases": [
    {"id": "P1", "workItems": [{"id": "a", "taskType": "docsLookup"}], "successCriteria": ["docsFound"]}
  ]
}`

func writePlan(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_YAML(t *testing.T) {
	p, err := Load(writePlan(t, "rename.yaml", yamlPlan))
	require.NoError(t, err)

	assert.Equal(t, "rename", p.ID, "id defaults to file stem")
	assert.Equal(t, "entity rename", p.Name)
	require.Len(t, p.Phases, 2)

	p1 := p.Phases[0]
	assert.Equal(t, StatusPending, p1.Status)
	assert.Equal(t, CostEstimate{Operations: 4, Delegations: 1}, p1.WorkItems[0].Estimate)
	assert.Equal(t, ItemPending, p1.WorkItems[0].Status)
	assert.Equal(t, []Criterion{
		{Name: "allItemsCompleted"},
		{Name: "testsPass", Command: []string{"go", "test", "./..."}},
	}, p1.SuccessCriteria)
	assert.Equal(t, []string{"P1"}, p.Phases[1].DependsOn)
	assert.True(t, filepath.IsAbs(p.Source))
}

func TestLoad_TOML(t *testing.T) {
	p, err := Load(writePlan(t, "plan.toml", tomlPlan))
	require.NoError(t, err)

	assert.Equal(t, "rename", p.ID)
	require.Len(t, p.Phases, 2)
	assert.Equal(t, []Criterion{
		{Name: "allItemsCompleted"},
		{Name: "lint", Command: []string{"make", "lint"}},
	}, p.Phases[0].SuccessCriteria)
	assert.Equal(t, 2, p.Phases[0].WorkItems[0].Estimate.Operations)
	assert.Equal(t, "code-writing", p.Phases[1].WorkItems[0].Capability)
}

func TestLoad_JSON(t *testing.T) {
	p, err := Load(writePlan(t, "docs.json", jsonPlan))
	require.NoError(t, err)

	assert.Equal(t, "docs", p.ID)
	assert.Equal(t, []Criterion{{Name: "docsFound"}}, p.Phases[0].SuccessCriteria)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("unsupported extension", func(t *testing.T) {
		_, err := Load(writePlan(t, "plan.txt", "x"))
		assert.ErrorIs(t, err, ErrInvalidPlan)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := Load(writePlan(t, "p.yaml", "phases:\n  - id: A\n    bogus: 1\n"))
		assert.ErrorIs(t, err, ErrInvalidPlan)
	})

	t.Run("cycle", func(t *testing.T) {
		content := `
phases:
  - id: A
    dependsOn: [B]
    workItems: [{id: a, taskType: x}]
  - id: B
    dependsOn: [A]
    workItems: [{id: b, taskType: x}]
`
		_, err := Load(writePlan(t, "cycle.yaml", content))
		var cyc *CyclicDependencyError
		require.ErrorAs(t, err, &cyc)
		assert.ErrorIs(t, err, ErrInvalidPlan)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := Parse([]byte("{"), FormatJSON)
		assert.ErrorIs(t, err, ErrInvalidPlan)
	})
}
