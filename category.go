package modelgate

// Category classifies a conversation into one subject area.
type Category string

const (
	CategoryGeneralChat Category = "general_chat"
	CategoryReasoning   Category = "reasoning"
	CategoryTechnical   Category = "technical"
	CategoryCreative    Category = "creative_writing"
	CategoryResearch    Category = "research"
	CategoryMathematics Category = "mathematics"
	CategoryProgramming Category = "programming"
	CategoryScience     Category = "science"
	CategoryHistory     Category = "history"
	CategoryLiterature  Category = "literature"
	CategoryUnknown     Category = "unknown"
)

// CategoryInfo describes one category's display metadata.
type CategoryInfo struct {
	DisplayName string
	Specialties []string
}

var categoryInfos = map[Category]CategoryInfo{
	CategoryGeneralChat: {DisplayName: "General Chat", Specialties: []string{"casual conversation", "small talk"}},
	CategoryReasoning:   {DisplayName: "Reasoning", Specialties: []string{"logic puzzles", "step-by-step analysis"}},
	CategoryTechnical:   {DisplayName: "Technical", Specialties: []string{"systems", "troubleshooting", "configuration"}},
	CategoryCreative:    {DisplayName: "Creative Writing", Specialties: []string{"stories", "poetry", "essays"}},
	CategoryResearch:    {DisplayName: "Research", Specialties: []string{"fact lookup", "current information"}},
	CategoryMathematics: {DisplayName: "Mathematics", Specialties: []string{"algebra", "calculus", "proofs"}},
	CategoryProgramming: {DisplayName: "Programming", Specialties: []string{"code", "debugging", "algorithms"}},
	CategoryScience:     {DisplayName: "Science", Specialties: []string{"physics", "chemistry", "biology"}},
	CategoryHistory:     {DisplayName: "History", Specialties: []string{"events", "dates", "historical figures"}},
	CategoryLiterature:  {DisplayName: "Literature", Specialties: []string{"books", "authors", "literary analysis"}},
	CategoryUnknown:     {DisplayName: "Unknown", Specialties: nil},
}

// Categories returns the closed set of known categories in stable order.
func Categories() []Category {
	return []Category{
		CategoryGeneralChat,
		CategoryReasoning,
		CategoryTechnical,
		CategoryCreative,
		CategoryResearch,
		CategoryMathematics,
		CategoryProgramming,
		CategoryScience,
		CategoryHistory,
		CategoryLiterature,
		CategoryUnknown,
	}
}

// Info returns display metadata for a category. Unrecognized categories
// report as Unknown.
func (c Category) Info() CategoryInfo {
	if info, ok := categoryInfos[c]; ok {
		return info
	}
	return categoryInfos[CategoryUnknown]
}

// Valid reports whether c is a member of the closed category set.
func (c Category) Valid() bool {
	_, ok := categoryInfos[c]
	return ok
}

// ParseCategory converts a string to a Category, returning CategoryUnknown
// for anything outside the closed set.
func ParseCategory(s string) Category {
	c := Category(s)
	if c.Valid() {
		return c
	}
	return CategoryUnknown
}
