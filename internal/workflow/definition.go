package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/engram-cli/engram/internal/entity"
)

// ParseDefinition reads a workflow definition from YAML. Unknown keys are
// rejected and the result is validated.
//
//	title: code review
//	initial_state: draft
//	states:
//	  - name: draft
//	    prompts:
//	      system: You are reviewing {{TASK_ID}}.
//	      user: Summarise the change for {{AGENT_NAME}}.
//	  - name: done
//	    is_final: true
func ParseDefinition(data []byte) (*entity.Workflow, error) {
	var wf entity.Workflow
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&wf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, entity.Invalid("definition", "is empty")
		}
		return nil, entity.Invalid("definition", err.Error())
	}
	wf.Meta = entity.Meta{Agent: wf.Agent}
	if err := entity.Prepare(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// LoadDefinition reads and parses a YAML definition file.
func LoadDefinition(path string) (*entity.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow definition: %w", err)
	}
	return ParseDefinition(data)
}
