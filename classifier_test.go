package modelgate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyloop/modelgate"
)

func TestQuickTier_TravelLookup(t *testing.T) {
	c := modelgate.NewTieredClassifier()

	quick := c.Quick("are there trains from Berlin to Munich tomorrow morning?")
	require.NotNil(t, quick, "travel lookup should match the quick tier")
	assert.Equal(t, modelgate.CategoryResearch, quick.Category)
	assert.True(t, quick.NeedsWebSearch)
	assert.GreaterOrEqual(t, quick.Confidence, 0.8)

	res, err := c.Classify("are there trains from Berlin to Munich tomorrow morning?", nil)
	require.NoError(t, err)
	assert.Equal(t, *quick, res)
}

func TestQuickTier_Rules(t *testing.T) {
	c := modelgate.NewTieredClassifier()

	tests := []struct {
		name      string
		query     string
		category  modelgate.Category
		webSearch bool
	}{
		{"greeting", "Hello!", modelgate.CategoryGeneralChat, false},
		{"greeting with whitespace", "  good morning  ", modelgate.CategoryGeneralChat, false},
		{"creative request", "Write a short poem about autumn", modelgate.CategoryCreative, false},
		{"code fence", "why does this fail?\n```go\npanic(\"boom\")\n```", modelgate.CategoryProgramming, false},
		{"stack trace", "I got a stack trace when running the service", modelgate.CategoryProgramming, false},
		{"math task", "solve this equation for x", modelgate.CategoryMathematics, false},
		{"timetable", "what is the bus timetable for route 42", modelgate.CategoryResearch, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.Classify(tt.query, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.category, res.Category)
			assert.Equal(t, tt.webSearch, res.NeedsWebSearch)
			assert.GreaterOrEqual(t, res.Confidence, 0.8)
			assert.False(t, res.FallbackUsed)
		})
	}
}

func TestQuickTier_NoMatchReturnsNil(t *testing.T) {
	c := modelgate.NewTieredClassifier()
	assert.Nil(t, c.Quick("tell me about the roman empire"))
}

func TestFullTier_KeywordScoring(t *testing.T) {
	c := modelgate.NewTieredClassifier()

	res, err := c.Classify("my python code has a bug in the main function", nil)
	require.NoError(t, err)
	assert.Equal(t, modelgate.CategoryProgramming, res.Category)
	assert.Greater(t, res.Confidence, 0.5)
	assert.False(t, res.FallbackUsed)
	assert.NotEmpty(t, res.Reasoning)
}

func TestFullTier_HistoryWindow(t *testing.T) {
	c := modelgate.NewTieredClassifier()

	history := []modelgate.Message{
		{Role: "user", Content: "I need help with calculus"},
		{Role: "assistant", Content: "Sure, which integral are you working on?"},
	}

	res, err := c.Classify("can you go over it again?", history)
	require.NoError(t, err)
	assert.Equal(t, modelgate.CategoryMathematics, res.Category,
		"recent turns should carry the category when the query itself is bare")
}

func TestFullTier_HistoryWindowBound(t *testing.T) {
	c := &modelgate.TieredClassifier{HistoryWindow: 1}

	history := []modelgate.Message{
		{Role: "user", Content: "I need help with calculus and a tricky integral"},
		{Role: "assistant", Content: "Tell me about the novel's protagonist and its author"},
	}

	res, err := c.Classify("can you go over it again?", history)
	require.NoError(t, err)
	assert.Equal(t, modelgate.CategoryLiterature, res.Category,
		"only the last turn should be in scope with a one-turn window")
}

func TestClassify_EmptyQuery(t *testing.T) {
	c := modelgate.NewTieredClassifier()

	res, err := c.Classify("   ", nil)
	require.NoError(t, err)
	assert.Equal(t, modelgate.CategoryUnknown, res.Category)
	assert.True(t, res.FallbackUsed)
	assert.Zero(t, res.Confidence)
}

func TestClassify_NoSignals(t *testing.T) {
	c := modelgate.NewTieredClassifier()

	res, err := c.Classify("qwerty zzyzx", nil)
	require.NoError(t, err)
	assert.Equal(t, modelgate.CategoryUnknown, res.Category)
	assert.True(t, res.FallbackUsed)
	assert.Less(t, res.Confidence, 0.5)
}

func TestClassify_ConfidenceClamped(t *testing.T) {
	c := modelgate.NewTieredClassifier()

	// Every signal lands in one category; normalized score would be 1.0.
	res, err := c.Classify("debug the compile step, the syntax of this algorithm code is wrong", nil)
	require.NoError(t, err)
	assert.Equal(t, modelgate.CategoryProgramming, res.Category)
	assert.LessOrEqual(t, res.Confidence, 0.95)
}

func TestClassify_WordBoundaries(t *testing.T) {
	c := modelgate.NewTieredClassifier()

	// "warranty" must not count as the history keyword "war".
	res, err := c.Classify("what does the warranty cover on this blender", nil)
	require.NoError(t, err)
	assert.NotEqual(t, modelgate.CategoryHistory, res.Category)
}
