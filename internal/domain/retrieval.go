package domain

// Passage is one retrieved document fragment with its similarity score.
type Passage struct {
	Text   string
	Source string
	Score  float32
}
