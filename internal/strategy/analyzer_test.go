package strategy

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/packetguild/pkg/cerr"
)

func independentSet(n int) []Subtask {
	out := make([]Subtask, n)
	for i := range out {
		out[i] = Subtask{ID: fmt.Sprintf("s%d", i+1), Resources: []string{fmt.Sprintf("pkg/m%d/file.go", i+1)}}
	}
	return out
}

func TestAnalyze_FiveIndependentSubtasks(t *testing.T) {
	d, err := Analyze(independentSet(5), 5)
	require.NoError(t, err)

	assert.Equal(t, Parallel, d.Strategy)
	assert.Equal(t, 5, d.WorkerCount)
	assert.Contains(t, d.Rationale, "5 independent subtasks, cap 5")
	assert.Len(t, d.Lanes, 5)
	for i, lane := range d.Lanes {
		assert.Len(t, lane, 1, "lane %d", i)
	}
	require.NoError(t, d.Validate())
}

func TestAnalyze_SharedFileIsSequential(t *testing.T) {
	d, err := Analyze([]Subtask{
		{ID: "a", Resources: []string{"internal/server.go"}},
		{ID: "b", Resources: []string{"./internal/server.go", "internal/other.go"}},
	}, 5)
	require.NoError(t, err)

	assert.Equal(t, Sequential, d.Strategy)
	assert.Equal(t, 1, d.WorkerCount)
	assert.Equal(t, [][]string{{"a", "b"}}, d.Lanes)
	assert.Equal(t, 0, d.IndependentCount)
}

func TestAnalyze_ChainIsSequentialInDependencyOrder(t *testing.T) {
	d, err := Analyze([]Subtask{
		{ID: "test", DependsOn: []string{"impl"}},
		{ID: "impl", DependsOn: []string{"design"}},
		{ID: "design"},
	}, 5)
	require.NoError(t, err)

	assert.Equal(t, Sequential, d.Strategy)
	assert.Equal(t, []string{"design", "impl", "test"}, d.Lanes[0])
}

func TestAnalyze_Hybrid(t *testing.T) {
	d, err := Analyze([]Subtask{
		{ID: "schema", Resources: []string{"db/schema.sql"}},
		{ID: "repo", Resources: []string{"internal/repo.go"}, DependsOn: []string{"schema"}},
		{ID: "docs", Resources: []string{"README.md"}},
		{ID: "lint", Resources: []string{".golangci.yml"}},
	}, 5)
	require.NoError(t, err)

	assert.Equal(t, Hybrid, d.Strategy)
	assert.Equal(t, 2, d.WorkerCount)
	assert.Equal(t, []string{"schema", "repo"}, d.Chain)
	assert.Equal(t, [][]string{{"docs"}, {"lint"}}, d.Lanes)
	assert.Equal(t, 0, d.Assignments["repo"])
	assert.Equal(t, []string{"schema", "repo", "docs", "lint"}, d.Ordered())
	require.NoError(t, d.Validate())
}

func TestAnalyze_TwoIndependentWithoutChainIsSequential(t *testing.T) {
	d, err := Analyze(independentSet(2), 5)
	require.NoError(t, err)
	assert.Equal(t, Sequential, d.Strategy)
}

func TestAnalyze_ParallelPacksComponentsWhole(t *testing.T) {
	subtasks := append(independentSet(3),
		Subtask{ID: "x1", Resources: []string{"shared.go"}},
		Subtask{ID: "x2", Resources: []string{"shared.go"}},
	)
	d, err := Analyze(subtasks, 2)
	require.NoError(t, err)

	assert.Equal(t, Parallel, d.Strategy)
	assert.Equal(t, 2, d.WorkerCount)
	assert.Equal(t, "parallel: 3 independent subtasks, cap 2", d.Rationale)
	// s1,s3 land on lane 0 and s2 on lane 1, so the pair joins lane 1.
	assert.Equal(t, [][]string{{"s1", "s3"}, {"s2", "x1", "x2"}}, d.Lanes)
	require.NoError(t, d.Validate())
}

func TestAnalyze_Errors(t *testing.T) {
	tests := []struct {
		name     string
		subtasks []Subtask
		maxConc  int
	}{
		{name: "no subtasks", subtasks: nil, maxConc: 5},
		{name: "zero concurrency", subtasks: independentSet(3), maxConc: 0},
		{name: "duplicate id", subtasks: []Subtask{{ID: "a"}, {ID: "a"}}, maxConc: 5},
		{name: "empty id", subtasks: []Subtask{{ID: ""}}, maxConc: 5},
		{name: "unknown dependency", subtasks: []Subtask{{ID: "a", DependsOn: []string{"zz"}}}, maxConc: 5},
		{name: "self dependency", subtasks: []Subtask{{ID: "a", DependsOn: []string{"a"}}}, maxConc: 5},
		{name: "cycle", subtasks: []Subtask{
			{ID: "a", DependsOn: []string{"c"}},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"b"}},
		}, maxConc: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Analyze(tt.subtasks, tt.maxConc)
			require.Error(t, err)
			assert.True(t, cerr.IsCode(err, cerr.InvalidArgument), err.Error())
		})
	}
}

// bruteIndependent counts subtasks that conflict with nothing, straight from
// the definition.
func bruteIndependent(subtasks []Subtask) int {
	k := 0
	for i, a := range subtasks {
		alone := true
		for j, b := range subtasks {
			if i == j {
				continue
			}
			for _, ra := range a.Resources {
				for _, rb := range b.Resources {
					if ra == rb {
						alone = false
					}
				}
			}
			for _, d := range a.DependsOn {
				if d == b.ID {
					alone = false
				}
			}
			for _, d := range b.DependsOn {
				if d == a.ID {
					alone = false
				}
			}
		}
		if alone {
			k++
		}
	}
	return k
}

func TestAnalyze_Properties(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for iter := 0; iter < 300; iter++ {
		n := 1 + rng.IntN(9)
		subtasks := make([]Subtask, n)
		for i := range subtasks {
			s := Subtask{ID: fmt.Sprintf("t%d", i)}
			for r := rng.IntN(3); r > 0; r-- {
				s.Resources = append(s.Resources, fmt.Sprintf("f%d.go", rng.IntN(12)))
			}
			if i > 0 && rng.IntN(4) == 0 {
				s.DependsOn = []string{fmt.Sprintf("t%d", rng.IntN(i))}
			}
			subtasks[i] = s
		}

		d, err := Analyze(subtasks, 5)
		require.NoError(t, err)
		require.NoError(t, d.Validate())

		k := bruteIndependent(subtasks)
		assert.Equal(t, k, d.IndependentCount)
		switch {
		case k >= 3:
			assert.Equal(t, Parallel, d.Strategy)
			assert.Equal(t, min(k, 5), d.WorkerCount)
		case k <= 1:
			assert.Equal(t, Sequential, d.Strategy)
		}
		assert.ElementsMatch(t, idsOf(subtasks), d.Ordered())

		// Dependencies always come earlier on the same worker.
		pos := make(map[string]int)
		for i, id := range d.Ordered() {
			pos[id] = i
		}
		for _, s := range subtasks {
			for _, dep := range s.DependsOn {
				assert.Equal(t, d.Assignments[dep], d.Assignments[s.ID])
				assert.Less(t, pos[dep], pos[s.ID])
			}
		}
	}
}

func idsOf(subtasks []Subtask) []string {
	out := make([]string, len(subtasks))
	for i, s := range subtasks {
		out[i] = s.ID
	}
	return out
}

func TestDecision_Validate(t *testing.T) {
	d, err := Analyze(independentSet(3), 5)
	require.NoError(t, err)

	noRationale := *d
	noRationale.Rationale = ""
	assert.Error(t, noRationale.Validate())

	noWorkers := *d
	noWorkers.WorkerCount = 0
	assert.Error(t, noWorkers.Validate())

	var missing *Decision
	assert.Error(t, missing.Validate())
}
