package recipe

import "time"

// Ingredient is one ordered quantity/unit/item triple.
type Ingredient struct {
	Quantity string `json:"qty,omitempty"`
	Unit     string `json:"unit,omitempty"`
	Item     string `json:"item"`
}

// Step is one ordered instruction with the video offset it was spoken at.
type Step struct {
	Index           int     `json:"index"`
	Text            string  `json:"text"`
	TimestampOffset float64 `json:"timestamp_offset"`
}

type Recipe struct {
	ID          string       `json:"recipe_id"`
	OwnerID     string       `json:"owner_id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	SourceRef   string       `json:"source_ref,omitempty"`
	Ingredients []Ingredient `json:"ingredients"`
	Steps       []Step       `json:"steps"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}
