package model

// TierStats counts subjects of one tier.
type TierStats struct {
	Tier      Tier `json:"tier"`
	Subjects  int  `json:"subjects"`
	Due       int  `json:"due"`
	Attention int  `json:"needs_attention"`
}

// Stats is an operational snapshot of the store.
type Stats struct {
	Tiers  []TierStats              `json:"tiers"`
	Events map[ProcessingStatus]int `json:"events"`
}
