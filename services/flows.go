package services

import (
	"strconv"
	"strings"

	"github.com/sevapulse/sevapulse/db"
)

// StepResult is what a flow step hands back to the intake state machine:
// the reply to send, where the session moves next, and whether the dialogue
// finished on this turn.
type StepResult struct {
	Message   string
	NextStep  int
	Completed bool
}

type flowStepFunc func(s *db.Session, text string) StepResult

// flowSteps is the dialogue transition table: (flow type, current step)
// selects the handler for an inbound reply. Missing entries are unreachable
// states, reported by the caller as a modeling bug.
var flowSteps = map[db.FlowType]map[int]flowStepFunc{
	db.FlowOffice: {
		db.StepFlowSecond: officeRatingStep,
		db.StepFlowThird:  officeDetailStep,
	},
	db.FlowPolicy: {
		db.StepFlowSecond: policyNameStep,
		db.StepFlowThird:  policyImprovementStep,
		db.StepFlowFourth: policyBeneficiaryStep,
	},
	db.FlowProcess: {
		db.StepFlowSecond: processNameStep,
		db.StepFlowThird:  processDifficultyStep,
		db.StepFlowFourth: processSuggestionStep,
	},
}

// Enumerated option tables. Lookups never hard-fail: an unrecognized code
// is stored as the citizen's raw text instead of being rejected.
var improvementTypes = map[string]string{
	"1": "Simplify the procedure",
	"2": "Reduce processing time",
	"3": "Reduce fees or costs",
	"4": "Improve transparency",
	"5": "Better grievance redressal",
}

var beneficiaryTypes = map[string]string{
	"1": "Farmers",
	"2": "Students",
	"3": "Senior citizens",
	"4": "Women",
	"5": "Small business owners",
	"6": "All citizens",
}

var difficultyTypes = map[string]string{
	"1": "Too many office visits required",
	"2": "Unclear document requirements",
	"3": "Long waiting times",
	"4": "Demands for extra payment",
	"5": "Staff behaviour",
}

const (
	msgOfficeRatingPrompt  = "On a scale of 1 to 5, how would you rate your experience at this office? (1 = very poor, 5 = excellent)"
	msgOfficeRatingInvalid = "Please reply with a number from 1 to 5 to rate your experience."
	msgOfficeIssuePrompt   = "We are sorry to hear that. What was the main problem you faced? Please describe it briefly."
	msgOfficeGoodPrompt    = "Glad to hear it went well! What did the office do best? Please share briefly."
	msgPolicyNamePrompt    = "Which scheme or policy would you like to suggest an improvement for? Please type its name."
	msgPolicyNameTooShort  = "Please type the name of the scheme or policy (at least 2 characters)."
	msgPolicyImprovePrompt = "What kind of improvement?\n1. Simplify the procedure\n2. Reduce processing time\n3. Reduce fees or costs\n4. Improve transparency\n5. Better grievance redressal\n(Reply with a number, or describe in your own words.)"
	msgPolicyBenefitPrompt = "Who would benefit most from this change?\n1. Farmers\n2. Students\n3. Senior citizens\n4. Women\n5. Small business owners\n6. All citizens"
	msgProcessNamePrompt   = "Which process or service did you find difficult? Please type its name."
	msgProcessNameTooShort = "Please type the name of the process (at least 2 characters)."
	msgProcessDiffPrompt   = "What made it difficult?\n1. Too many office visits required\n2. Unclear document requirements\n3. Long waiting times\n4. Demands for extra payment\n5. Staff behaviour\n(Reply with a number, or describe in your own words.)"
	msgProcessSuggPrompt   = "How do you think it should be improved? Please describe your suggestion."
	msgProcessSuggTooShort = "Please describe your suggestion in a few words (at least 2 characters)."
	msgThankYou            = "Thank you! Your feedback has been recorded and will help improve public services."
)

// flowFirstQuestion is the prompt sent right after a topic is chosen
func flowFirstQuestion(ft db.FlowType) string {
	switch ft {
	case db.FlowOffice:
		return msgOfficeRatingPrompt
	case db.FlowPolicy:
		return msgPolicyNamePrompt
	case db.FlowProcess:
		return msgProcessNamePrompt
	}
	return ""
}

// handleFlowStep dispatches one inbound reply through the transition table.
// The second return is false when (flow, step) has no handler.
func handleFlowStep(s *db.Session, text string) (StepResult, bool) {
	steps, ok := flowSteps[s.FlowType]
	if !ok {
		return StepResult{}, false
	}
	fn, ok := steps[s.CurrentStep]
	if !ok {
		return StepResult{}, false
	}
	return fn(s, strings.TrimSpace(text)), true
}

// reprompt keeps the session at its current step without touching answers
func reprompt(s *db.Session, msg string) StepResult {
	return StepResult{Message: msg, NextStep: s.CurrentStep}
}

// ===========================
// OFFICE EXPERIENCE FLOW
// ===========================

func officeRatingStep(s *db.Session, text string) StepResult {
	rating, err := strconv.Atoi(text)
	if err != nil || rating < 1 || rating > 5 {
		return reprompt(s, msgOfficeRatingInvalid)
	}

	if s.Answers.Office == nil {
		s.Answers.Office = &db.OfficeAnswers{}
	}
	s.Answers.Office.Rating = rating

	prompt := msgOfficeGoodPrompt
	if rating <= 3 {
		prompt = msgOfficeIssuePrompt
	}
	return StepResult{Message: prompt, NextStep: db.StepFlowThird}
}

func officeDetailStep(s *db.Session, text string) StepResult {
	if s.Answers.Office == nil {
		s.Answers.Office = &db.OfficeAnswers{}
	}
	if s.Answers.Office.Rating <= 3 {
		s.Answers.Office.Issue = text
	} else {
		s.Answers.Office.Positive = text
	}
	return StepResult{Message: msgThankYou, NextStep: db.StepComplete, Completed: true}
}

// ===========================
// POLICY SUGGESTION FLOW
// ===========================

func policyNameStep(s *db.Session, text string) StepResult {
	if len(text) < 2 {
		return reprompt(s, msgPolicyNameTooShort)
	}
	if s.Answers.Policy == nil {
		s.Answers.Policy = &db.PolicyAnswers{}
	}
	s.Answers.Policy.PolicyName = text
	return StepResult{Message: msgPolicyImprovePrompt, NextStep: db.StepFlowThird}
}

func policyImprovementStep(s *db.Session, text string) StepResult {
	if s.Answers.Policy == nil {
		s.Answers.Policy = &db.PolicyAnswers{}
	}
	if label, ok := improvementTypes[text]; ok {
		s.Answers.Policy.ImprovementType = label
	} else {
		s.Answers.Policy.ImprovementType = text
	}
	return StepResult{Message: msgPolicyBenefitPrompt, NextStep: db.StepFlowFourth}
}

func policyBeneficiaryStep(s *db.Session, text string) StepResult {
	if s.Answers.Policy == nil {
		s.Answers.Policy = &db.PolicyAnswers{}
	}
	if label, ok := beneficiaryTypes[text]; ok {
		s.Answers.Policy.Beneficiary = label
	} else {
		s.Answers.Policy.Beneficiary = text
	}
	return StepResult{Message: msgThankYou, NextStep: db.StepComplete, Completed: true}
}

// ===========================
// PROCESS REFORM FLOW
// ===========================

func processNameStep(s *db.Session, text string) StepResult {
	if len(text) < 2 {
		return reprompt(s, msgProcessNameTooShort)
	}
	if s.Answers.Process == nil {
		s.Answers.Process = &db.ProcessAnswers{}
	}
	s.Answers.Process.ProcessName = text
	return StepResult{Message: msgProcessDiffPrompt, NextStep: db.StepFlowThird}
}

func processDifficultyStep(s *db.Session, text string) StepResult {
	if s.Answers.Process == nil {
		s.Answers.Process = &db.ProcessAnswers{}
	}
	if label, ok := difficultyTypes[text]; ok {
		s.Answers.Process.DifficultyType = label
	} else {
		s.Answers.Process.DifficultyType = text
	}
	return StepResult{Message: msgProcessSuggPrompt, NextStep: db.StepFlowFourth}
}

func processSuggestionStep(s *db.Session, text string) StepResult {
	if len(text) < 2 {
		return reprompt(s, msgProcessSuggTooShort)
	}
	if s.Answers.Process == nil {
		s.Answers.Process = &db.ProcessAnswers{}
	}
	s.Answers.Process.Suggestion = text
	return StepResult{Message: msgThankYou, NextStep: db.StepComplete, Completed: true}
}
