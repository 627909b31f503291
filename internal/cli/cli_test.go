package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)

	err := root.Execute()
	return buf.String(), err
}

const cliTestWorkflow = `cwlVersion: v1.2
class: Workflow
inputs:
  message: string
outputs:
  out:
    type: string
    outputSource: step1/result
steps:
  step1:
    run:
      class: CommandLineTool
      inputs:
        message: string
      outputs:
        result:
          type: string
          outputBinding:
            outputEval: $(inputs.message)
      baseCommand: echo
    in:
      message: message
    out: [result]
`

func writeTempWorkflow(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "greet.cwl")
	if err := os.WriteFile(path, []byte(cliTestWorkflow), 0o644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}
	return path
}

func TestTranslateCommand_PrintsJobGraph(t *testing.T) {
	path := writeTempWorkflow(t)

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	_, err := runCLI(t, "translate", path)

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	if err != nil {
		t.Fatalf("translate error: %v\noutput: %s", err, output)
	}

	var snap struct {
		Jobs  map[string]any `json:"jobs"`
		Roots []string       `json:"roots"`
	}
	if jsonErr := json.Unmarshal([]byte(output), &snap); jsonErr != nil {
		t.Fatalf("translate output is not JSON graph snapshot: %v\noutput: %s", jsonErr, output)
	}
	if len(snap.Jobs) != 1 {
		t.Errorf("jobs count = %d, want 1", len(snap.Jobs))
	}
	if len(snap.Roots) != 1 {
		t.Errorf("roots count = %d, want 1", len(snap.Roots))
	}
}

func TestTranslateCommand_MissingFile(t *testing.T) {
	_, err := runCLI(t, "translate", "nonexistent.cwl")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestStageCommand_PrintsStagingPlan(t *testing.T) {
	dir := t.TempDir()
	jobOrderPath := filepath.Join(dir, "job.yml")
	jobOrder := `input_file:
  class: File
  location: /data/reads.fastq
`
	if err := os.WriteFile(jobOrderPath, []byte(jobOrder), 0o644); err != nil {
		t.Fatalf("write job order: %v", err)
	}

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	_, err := runCLI(t, "stage", jobOrderPath, "--stagedir", filepath.Join(dir, "stage"))

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	if err != nil {
		t.Fatalf("stage error: %v\noutput: %s", err, output)
	}

	var entries map[string]any
	if jsonErr := json.Unmarshal([]byte(output), &entries); jsonErr != nil {
		t.Fatalf("stage output is not JSON, got: %s", output)
	}
	if len(entries) != 1 {
		t.Errorf("entries count = %d, want 1", len(entries))
	}
}

func TestDispatchCommand_RunsLocalJob(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	_, err := runCLI(t, "dispatch", "--", "true")

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	if err != nil {
		t.Fatalf("dispatch error: %v\noutput: %s", err, output)
	}

	var info map[string]any
	if jsonErr := json.Unmarshal([]byte(output), &info); jsonErr != nil {
		t.Fatalf("dispatch output is not JSON, got: %s", output)
	}
}
