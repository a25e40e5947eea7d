package vocab

// typeParent maps an ActivityStreams type to its immediate supertype.
// The engine walks this chain when looking up inbox listeners, so a
// listener registered for "Activity" catches every concrete activity
// type that has no more specific handler.
var typeParent = map[string]string{
	// Activity types.
	"Accept":          "Activity",
	"Add":             "Activity",
	"Announce":        "Activity",
	"Arrive":          "IntransitiveActivity",
	"Block":           "Ignore",
	"Create":          "Activity",
	"Delete":          "Activity",
	"Dislike":         "Activity",
	"Flag":            "Activity",
	"Follow":          "Activity",
	"Ignore":          "Activity",
	"Invite":          "Offer",
	"Join":            "Activity",
	"Leave":           "Activity",
	"Like":            "Activity",
	"Listen":          "Activity",
	"Move":            "Activity",
	"Offer":           "Activity",
	"Question":        "IntransitiveActivity",
	"Read":            "Activity",
	"Reject":          "Activity",
	"Remove":          "Activity",
	"TentativeAccept": "Accept",
	"TentativeReject": "Reject",
	"Travel":          "IntransitiveActivity",
	"Undo":            "Activity",
	"Update":          "Activity",
	"View":            "Activity",

	"IntransitiveActivity": "Activity",
	"Activity":             "Object",

	// Actor types.
	"Application":  "Object",
	"Group":        "Object",
	"Organization": "Object",
	"Person":       "Object",
	"Service":      "Object",

	// Object types.
	"Article":      "Object",
	"Audio":        "Document",
	"Document":     "Object",
	"Event":        "Object",
	"Image":        "Document",
	"Note":         "Object",
	"Page":         "Document",
	"Place":        "Object",
	"Profile":      "Object",
	"Relationship": "Object",
	"Tombstone":    "Object",
	"Video":        "Document",
}

// AncestorChain returns the type followed by its supertypes up to the
// root. Unknown types yield just themselves so listeners on unknown
// extension types still fire.
func AncestorChain(t string) []string {
	chain := []string{t}
	for {
		parent, ok := typeParent[t]
		if !ok {
			return chain
		}
		chain = append(chain, parent)
		t = parent
	}
}

// IsSubtype reports whether t equals ancestor or descends from it.
func IsSubtype(t, ancestor string) bool {
	for _, a := range AncestorChain(t) {
		if a == ancestor {
			return true
		}
	}
	return false
}
