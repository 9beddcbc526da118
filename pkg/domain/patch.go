package domain

import "slices"

// Patch is a sparse set of session fields broadcast after a mutation. A nil
// field is absent from the patch. Session id, creation time, branches and the
// active branch are only ever delivered by full hydration, so they have no
// field here.
type Patch struct {
	Instructions     *string          `json:"instructions,omitempty"`
	SelectedModel    *string          `json:"selectedModel,omitempty"`
	EnabledTools     *[]string        `json:"enabledTools,omitempty"`
	Messages         *[]StoredMessage `json:"messages,omitempty"`
	ContextIDs       *[]string        `json:"contextIds,omitempty"`
	Steps            *[]StepRecord    `json:"steps,omitempty"`
	CurrentStepIndex *int             `json:"currentStepIndex,omitempty"`
}

// Empty reports whether the patch carries no fields.
func (p Patch) Empty() bool {
	return p.Instructions == nil && p.SelectedModel == nil && p.EnabledTools == nil &&
		p.Messages == nil && p.ContextIDs == nil && p.Steps == nil && p.CurrentStepIndex == nil
}

// Apply shallow-merges the fields present in p into s. The patch's slices are
// copied so later changes to s do not alias the patch.
func (s *Session) Apply(p Patch) {
	if p.Instructions != nil {
		s.Instructions = *p.Instructions
	}
	if p.SelectedModel != nil {
		s.SelectedModel = *p.SelectedModel
	}
	if p.EnabledTools != nil {
		s.EnabledTools = slices.Clone(*p.EnabledTools)
	}
	if p.Messages != nil {
		s.Messages = slices.Clone(*p.Messages)
	}
	if p.ContextIDs != nil {
		s.ContextIDs = slices.Clone(*p.ContextIDs)
	}
	if p.Steps != nil {
		s.Steps = slices.Clone(*p.Steps)
	}
	if p.CurrentStepIndex != nil {
		s.CurrentStepIndex = *p.CurrentStepIndex
	}
	s.Normalize()
}

// --- Patch builders ---

// PatchInstructions returns a patch carrying the instructions.
func (s *Session) PatchInstructions() Patch {
	v := s.Instructions
	return Patch{Instructions: &v}
}

// PatchModel returns a patch carrying the selected model.
func (s *Session) PatchModel() Patch {
	v := s.SelectedModel
	return Patch{SelectedModel: &v}
}

// PatchTools returns a patch carrying the enabled tools.
func (s *Session) PatchTools() Patch {
	v := slices.Clone(s.EnabledTools)
	return Patch{EnabledTools: &v}
}

// PatchContext returns a patch carrying the context ids.
func (s *Session) PatchContext() Patch {
	v := slices.Clone(s.ContextIDs)
	return Patch{ContextIDs: &v}
}

// PatchMessages returns a patch carrying messages and context ids.
func (s *Session) PatchMessages() Patch {
	p := s.PatchContext()
	m := slices.Clone(s.Messages)
	p.Messages = &m
	return p
}

// PatchSteps returns a patch carrying messages, context ids, steps and the step index.
func (s *Session) PatchSteps() Patch {
	p := s.PatchMessages()
	st := slices.Clone(s.Steps)
	idx := s.CurrentStepIndex
	p.Steps = &st
	p.CurrentStepIndex = &idx
	return p
}
