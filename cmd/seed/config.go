package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// seedFile is the YAML document describing workflows and their approvers.
type seedFile struct {
	Workflows []seedWorkflow `yaml:"workflows"`
}

type seedWorkflow struct {
	Code                        string         `yaml:"code"`
	Name                        string         `yaml:"name"`
	CommentsMandatory           bool           `yaml:"commentsMandatory"`
	CommentsMandatoryOnEscalate bool           `yaml:"commentsMandatoryOnEscalate"`
	Inactive                    bool           `yaml:"inactive"`
	Approvers                   []seedApprover `yaml:"approvers"`
}

type seedApprover struct {
	Level             int           `yaml:"level"`
	Order             int           `yaml:"order"`
	UserID            string        `yaml:"userId"`
	Email             string        `yaml:"email"`
	Name              string        `yaml:"name"`
	Limit             *int64        `yaml:"limit"`
	Unlimited         bool          `yaml:"unlimited"`
	CanEscalate       bool          `yaml:"canEscalate"`
	EscalationTimeout time.Duration `yaml:"escalationTimeout"`
}

func loadSeedFile(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return parseSeed(data)
}

func parseSeed(data []byte) (*seedFile, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *seedFile) validate() error {
	codes := map[string]bool{}
	for i, wf := range f.Workflows {
		if wf.Code == "" {
			return fmt.Errorf("workflows[%d]: code is required", i)
		}
		if codes[strings.ToUpper(wf.Code)] {
			return fmt.Errorf("workflows[%d]: duplicate code %q", i, wf.Code)
		}
		codes[strings.ToUpper(wf.Code)] = true

		for j, a := range wf.Approvers {
			if a.Level < 1 {
				return fmt.Errorf("%s approvers[%d]: level must be at least 1", wf.Code, j)
			}
			if a.Email == "" {
				return fmt.Errorf("%s approvers[%d]: email is required", wf.Code, j)
			}
			if !a.Unlimited && a.Limit == nil {
				return fmt.Errorf("%s approvers[%d]: set limit or unlimited", wf.Code, j)
			}
			if a.Limit != nil && *a.Limit < 0 {
				return fmt.Errorf("%s approvers[%d]: limit must not be negative", wf.Code, j)
			}
		}
	}
	return nil
}

func (w seedWorkflow) toWorkflow() *repository.Workflow {
	return &repository.Workflow{
		Code:                        strings.ToUpper(w.Code),
		Name:                        w.Name,
		CommentsMandatory:           w.CommentsMandatory,
		CommentsMandatoryOnEscalate: w.CommentsMandatoryOnEscalate,
		IsActive:                    !w.Inactive,
	}
}

func (a seedApprover) toAssignment(workflowID string) *repository.ApproverAssignment {
	out := &repository.ApproverAssignment{
		WorkflowID:    workflowID,
		Level:         a.Level,
		DisplayOrder:  a.Order,
		ApproverEmail: strings.ToLower(a.Email),
		ApproverName:  a.Name,
		ApprovalLimit: a.Limit,
		IsUnlimited:   a.Unlimited,
		CanEscalate:   a.CanEscalate,
		IsActive:      true,
	}
	if a.UserID != "" {
		uid := a.UserID
		out.UserID = &uid
	}
	if a.EscalationTimeout > 0 {
		d := a.EscalationTimeout
		out.EscalationTimeout = &d
	}
	return out
}
