package main

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venueline/internal/config"
	"venueline/internal/domain"
	"venueline/internal/engine"
)

func TestMain(m *testing.M) {
	initConfig()
	addPersistentFlags()
	registerCommands()
	os.Exit(m.Run())
}

func run(t *testing.T, args ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	out = &buf
	t.Cleanup(func() { out = os.Stdout })
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute(), buf.String())
	return buf.Bytes()
}

func TestInitIngestApprove(t *testing.T) {
	ws := t.TempDir()
	run(t, "init", "-w", ws, "--venue-id", "hall", "--log-level", "error")
	_, err := os.Stat(config.Path(ws))
	require.NoError(t, err)

	data := run(t, "ingest", "-w", ws, "--json", "--thread", "thread-1", "--message-id", "m1",
		"--body", "Room B for 20 people on 2027-03-15. Billing: Acme AG, Main St 1, Zurich.")
	var turn engine.TurnResult
	require.NoError(t, json.Unmarshal(data, &turn))
	require.NotNil(t, turn.Task)

	data = run(t, "hil", "list", "-w", ws, "--json")
	var tasks []domain.HILTask
	require.NoError(t, json.Unmarshal(data, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, turn.Task.ID, tasks[0].ID)

	data = run(t, "hil", "approve", tasks[0].ID, "-w", ws, "--json", "--note", "ok")
	var decided engine.DecisionResult
	require.NoError(t, json.Unmarshal(data, &decided))
	assert.Equal(t, domain.TaskApproved, decided.Task.Status)

	data = run(t, "booking", "show", "--thread", "thread-1", "-w", ws, "--json")
	var rec domain.Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.True(t, rec.Gate("offer").Verified)

	data = run(t, "log", "tail", "-w", ws, "--json", "--type", "reply.approved")
	var evts []domain.Event
	require.NoError(t, json.Unmarshal(data, &evts))
	assert.Len(t, evts, 1)
}

func TestInitRefusesToOverwrite(t *testing.T) {
	ws := t.TempDir()
	run(t, "init", "-w", ws, "--log-level", "error")
	rootCmd.SetArgs([]string{"init", "-w", ws})
	var buf bytes.Buffer
	out = &buf
	defer func() { out = os.Stdout }()
	assert.ErrorContains(t, rootCmd.Execute(), "already exists")
}
