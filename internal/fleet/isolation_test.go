package fleet

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imgharvest/internal/category"
	"github.com/JakeFAU/imgharvest/internal/crawler"
)

const helperEnv = "IMGHARVEST_FLEET_HELPER"

// TestHelperProcess stands in for the crawl-category child. It is a no-op
// unless launched by ProcessRunner in the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("helper process")
	}
	index := os.Args[len(os.Args)-1]
	switch index {
	case "0":
		fmt.Fprintln(os.Stdout, `{"outcome":"done","count":12}`)
	case "1":
		fmt.Fprintln(os.Stdout, "not json")
	case "2":
		fmt.Fprintln(os.Stderr, "browser exploded")
		os.Exit(3)
	}
	os.Exit(0)
}

func helperRunner() ProcessRunner {
	return ProcessRunner{
		Executable: os.Args[0],
		Args:       []string{"-test.run=^TestHelperProcess$", "--"},
		Env:        append(os.Environ(), helperEnv+"=1"),
	}
}

func TestProcessRunnerParsesChildReport(t *testing.T) {
	t.Parallel()

	rep, err := helperRunner().Run(context.Background(), category.Category{Index: 0, ID: "n000"})
	require.NoError(t, err)
	assert.Equal(t, crawler.Report{Outcome: crawler.OutcomeDone, Count: 12}, rep)
}

func TestProcessRunnerFailsOnBadOutputOrExit(t *testing.T) {
	t.Parallel()

	rep, err := helperRunner().Run(context.Background(), category.Category{Index: 1, ID: "n001"})
	require.Error(t, err)
	assert.Equal(t, crawler.OutcomeFail, rep.Outcome)

	rep, err = helperRunner().Run(context.Background(), category.Category{Index: 2, ID: "n002"})
	require.Error(t, err)
	assert.Equal(t, crawler.OutcomeFail, rep.Outcome)
}

func TestInProcessRunnerRecoversPanics(t *testing.T) {
	t.Parallel()

	r := InProcessRunner{Runner: runnerFunc(func(context.Context, category.Category) (crawler.Report, error) {
		panic("nil map write")
	})}
	rep, err := r.Run(context.Background(), category.Category{ID: "n000"})
	require.ErrorContains(t, err, "panicked")
	assert.Equal(t, crawler.OutcomeFail, rep.Outcome)
}

func TestParseReport(t *testing.T) {
	t.Parallel()

	rep, err := ParseReport([]byte("{\"outcome\":\"skipped\",\"count\":0}\n\n"))
	require.NoError(t, err)
	assert.Equal(t, crawler.OutcomeSkipped, rep.Outcome)

	rep, err = ParseReport([]byte("noise\n{\"outcome\":\"unfinished\",\"count\":4}\n"))
	require.NoError(t, err)
	assert.Equal(t, crawler.Report{Outcome: crawler.OutcomeUnfinished, Count: 4}, rep)

	_, err = ParseReport(nil)
	require.ErrorIs(t, err, ErrNoReport)

	_, err = ParseReport([]byte(`{"outcome":"maybe"}`))
	require.ErrorIs(t, err, crawler.ErrUnknownOutcome)
}
