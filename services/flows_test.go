package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevapulse/sevapulse/db"
)

func newFlowSession(flow db.FlowType, step int) *db.Session {
	return &db.Session{
		ID:          "session-1",
		Phone:       "+919876543210",
		OfficeID:    "office-1",
		FlowType:    flow,
		CurrentStep: step,
	}
}

func TestOfficeFlow_ValidPathTerminates(t *testing.T) {
	sess := newFlowSession(db.FlowOffice, db.StepFlowSecond)

	result, ok := handleFlowStep(sess, "4")
	require.True(t, ok)
	assert.Equal(t, db.StepFlowThird, result.NextStep)
	assert.False(t, result.Completed)
	assert.Equal(t, msgOfficeGoodPrompt, result.Message)
	assert.Equal(t, 4, sess.Answers.Office.Rating)

	sess.CurrentStep = result.NextStep
	result, ok = handleFlowStep(sess, "Very quick counter service")
	require.True(t, ok)
	assert.True(t, result.Completed)
	assert.Equal(t, db.StepComplete, result.NextStep)
	assert.Equal(t, "Very quick counter service", sess.Answers.Office.Positive)
	assert.Empty(t, sess.Answers.Office.Issue)
}

func TestOfficeFlow_LowRatingBranchesToIssuePrompt(t *testing.T) {
	sess := newFlowSession(db.FlowOffice, db.StepFlowSecond)

	result, ok := handleFlowStep(sess, "2")
	require.True(t, ok)
	assert.Equal(t, msgOfficeIssuePrompt, result.Message)

	sess.CurrentStep = result.NextStep
	result, _ = handleFlowStep(sess, "Staff asked for extra money")
	assert.True(t, result.Completed)
	assert.Equal(t, "Staff asked for extra money", sess.Answers.Office.Issue)
	assert.Empty(t, sess.Answers.Office.Positive)
}

func TestOfficeFlow_InvalidRatingReprompts(t *testing.T) {
	for _, input := range []string{"6", "0", "abc", "", "4.5"} {
		sess := newFlowSession(db.FlowOffice, db.StepFlowSecond)

		result, ok := handleFlowStep(sess, input)
		require.True(t, ok, "input %q", input)
		assert.Equal(t, db.StepFlowSecond, result.NextStep, "input %q must not advance", input)
		assert.False(t, result.Completed)
		assert.Equal(t, msgOfficeRatingInvalid, result.Message)
		assert.Nil(t, sess.Answers.Office, "input %q must not record an answer", input)
	}
}

func TestPolicyFlow_ValidPathTerminatesInThreeTurns(t *testing.T) {
	sess := newFlowSession(db.FlowPolicy, db.StepFlowSecond)

	result, ok := handleFlowStep(sess, "Crop insurance scheme")
	require.True(t, ok)
	assert.Equal(t, db.StepFlowThird, result.NextStep)
	assert.Equal(t, "Crop insurance scheme", sess.Answers.Policy.PolicyName)

	sess.CurrentStep = result.NextStep
	result, _ = handleFlowStep(sess, "2")
	assert.Equal(t, db.StepFlowFourth, result.NextStep)
	assert.Equal(t, "Reduce processing time", sess.Answers.Policy.ImprovementType)

	sess.CurrentStep = result.NextStep
	result, _ = handleFlowStep(sess, "1")
	assert.True(t, result.Completed)
	assert.Equal(t, db.StepComplete, result.NextStep)
	assert.Equal(t, "Farmers", sess.Answers.Policy.Beneficiary)
}

func TestPolicyFlow_ShortNameReprompts(t *testing.T) {
	sess := newFlowSession(db.FlowPolicy, db.StepFlowSecond)

	result, ok := handleFlowStep(sess, "x")
	require.True(t, ok)
	assert.Equal(t, db.StepFlowSecond, result.NextStep)
	assert.Nil(t, sess.Answers.Policy)
}

func TestPolicyFlow_UnrecognizedCodeStoresRawText(t *testing.T) {
	sess := newFlowSession(db.FlowPolicy, db.StepFlowThird)
	sess.Answers.Policy = &db.PolicyAnswers{PolicyName: "Pension scheme"}

	result, ok := handleFlowStep(sess, "make the form available online")
	require.True(t, ok)
	assert.Equal(t, db.StepFlowFourth, result.NextStep)
	assert.Equal(t, "make the form available online", sess.Answers.Policy.ImprovementType)
}

func TestProcessFlow_ValidPathTerminates(t *testing.T) {
	sess := newFlowSession(db.FlowProcess, db.StepFlowSecond)

	result, _ := handleFlowStep(sess, "Ration card renewal")
	assert.Equal(t, db.StepFlowThird, result.NextStep)

	sess.CurrentStep = result.NextStep
	result, _ = handleFlowStep(sess, "3")
	assert.Equal(t, db.StepFlowFourth, result.NextStep)
	assert.Equal(t, "Long waiting times", sess.Answers.Process.DifficultyType)

	sess.CurrentStep = result.NextStep
	result, _ = handleFlowStep(sess, "Allow renewal through the mobile app")
	assert.True(t, result.Completed)
	assert.Equal(t, "Allow renewal through the mobile app", sess.Answers.Process.Suggestion)
}

func TestProcessFlow_ShortSuggestionReprompts(t *testing.T) {
	sess := newFlowSession(db.FlowProcess, db.StepFlowFourth)
	sess.Answers.Process = &db.ProcessAnswers{ProcessName: "Ration card renewal", DifficultyType: "Long waiting times"}

	result, ok := handleFlowStep(sess, "x")
	require.True(t, ok)
	assert.Equal(t, db.StepFlowFourth, result.NextStep)
	assert.False(t, result.Completed)
	assert.Empty(t, sess.Answers.Process.Suggestion)
	// Prior answers survive a rejection.
	assert.Equal(t, "Ration card renewal", sess.Answers.Process.ProcessName)
}

func TestHandleFlowStep_UnknownFlowOrStep(t *testing.T) {
	_, ok := handleFlowStep(newFlowSession(db.FlowNone, db.StepFlowSecond), "hello")
	assert.False(t, ok)

	_, ok = handleFlowStep(newFlowSession(db.FlowOffice, db.StepFlowFourth), "hello")
	assert.False(t, ok, "office flow has no fourth step")
}
