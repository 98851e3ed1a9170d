package service

import "strings"

type DiseaseInfo struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	Tips        string `json:"tips"`
}

// AdviceTable is searched in order; Default answers when nothing matches.
type AdviceTable struct {
	Entries []DiseaseInfo
	Default DiseaseInfo
}

// DefaultAdvice is the built-in table. Matching is a substring heuristic and
// only approximate: a label can match no key or several, and the first listed
// key wins.
var DefaultAdvice = AdviceTable{
	Entries: []DiseaseInfo{
		{
			Key:         "healthy",
			Description: "Your plant appears healthy with no visible disease symptoms.",
			Tips:        "Continue with regular watering and fertilizing schedules.",
		},
		{
			Key:         "blight",
			Description: "Blight is a rapid and complete chlorosis, browning, then death of plant tissues.",
			Tips:        "Remove infected parts, improve air circulation, and apply appropriate fungicides.",
		},
		{
			Key:         "rust",
			Description: "Rust diseases are caused by fungi that produce rusty spots on leaves.",
			Tips:        "Remove infected leaves, avoid overhead watering, and apply sulfur-based fungicides.",
		},
		{
			Key:         "spot",
			Description: "Leaf spot diseases cause spots or lesions on the foliage.",
			Tips:        "Improve air circulation, avoid wetting leaves, and apply copper-based fungicides.",
		},
	},
	Default: DiseaseInfo{
		Key:         "default",
		Description: "A plant disease that affects the health and productivity of the plant.",
		Tips:        "Consult with a plant pathologist or agricultural extension service for specific treatment recommendations.",
	},
}

func LookupAdvice(label string, table AdviceTable) DiseaseInfo {
	l := strings.ToLower(label)
	for _, e := range table.Entries {
		if e.Key != "" && strings.Contains(l, strings.ToLower(e.Key)) {
			return e
		}
	}
	return table.Default
}
