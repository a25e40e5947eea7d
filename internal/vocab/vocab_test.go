package vocab

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActivity(t *testing.T) {
	raw := []byte(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://remote.example/activities/1",
		"type": "Create",
		"actor": "https://remote.example/users/bob",
		"to": ["https://www.w3.org/ns/activitystreams#Public"],
		"cc": "https://remote.example/users/bob/followers",
		"object": {"id": "https://remote.example/notes/1", "type": "Note", "content": "hi"}
	}`)

	a, err := ParseActivity(raw)
	require.NoError(t, err)
	assert.Equal(t, "https://remote.example/activities/1", a.ID)
	assert.Equal(t, "Create", a.Type)
	assert.Equal(t, "https://remote.example/users/bob", a.Actor)
	assert.Equal(t, []string{PublicURI}, a.To)
	assert.Equal(t, []string{"https://remote.example/users/bob/followers"}, a.CC)
	assert.True(t, a.IsPublic())

	var obj map[string]interface{}
	require.NoError(t, json.Unmarshal(a.Object, &obj))
	assert.Equal(t, "Note", obj["type"])
}

func TestParseActivityErrors(t *testing.T) {
	_, err := ParseActivity([]byte(`not json`))
	assert.Error(t, err)
	_, err = ParseActivity([]byte(`{"type":"Create"}`))
	assert.Error(t, err, "missing id")
	_, err = ParseActivity([]byte(`{"id":"https://x.example/1"}`))
	assert.Error(t, err, "missing type")
}

func TestActivityInlinedActor(t *testing.T) {
	raw := []byte(`{
		"id": "https://remote.example/activities/2",
		"type": "Like",
		"actor": {"id": "https://remote.example/users/bob", "type": "Person"}
	}`)
	a, err := ParseActivity(raw)
	require.NoError(t, err)
	assert.Equal(t, "https://remote.example/users/bob", a.Actor)
}

func TestRecipientsDeduplicates(t *testing.T) {
	a := &Activity{
		To:       []string{"https://a.example/u/1", "https://a.example/u/2"},
		CC:       []string{"https://a.example/u/2", "https://a.example/u/3"},
		BCC:      []string{"https://a.example/u/1"},
		Audience: []string{"https://a.example/u/4"},
	}
	assert.Equal(t, []string{
		"https://a.example/u/1",
		"https://a.example/u/2",
		"https://a.example/u/3",
		"https://a.example/u/4",
	}, a.Recipients())
}

func TestWireDocumentStripsBlindCopies(t *testing.T) {
	raw := []byte(`{
		"id": "https://local.example/activities/1",
		"type": "Create",
		"to": ["https://a.example/u/1"],
		"bto": ["https://a.example/u/2"],
		"bcc": ["https://a.example/u/3"]
	}`)
	a, err := ParseActivity(raw)
	require.NoError(t, err)

	doc := a.WireDocument()
	assert.NotContains(t, doc, "bto")
	assert.NotContains(t, doc, "bcc")
	assert.Contains(t, doc, "to")
	assert.Contains(t, doc, "@context")

	// The parsed activity still knows the blind recipients for fan-out.
	assert.Equal(t, []string{"https://a.example/u/2"}, a.BTo)
	assert.Equal(t, []string{"https://a.example/u/3"}, a.BCC)
}

func TestActorFromMap(t *testing.T) {
	raw := []byte(`{
		"id": "https://remote.example/users/bob",
		"type": "Person",
		"preferredUsername": "bob",
		"inbox": "https://remote.example/users/bob/inbox",
		"endpoints": {"sharedInbox": "https://remote.example/inbox"},
		"publicKey": {
			"id": "https://remote.example/users/bob#main-key",
			"owner": "https://remote.example/users/bob",
			"publicKeyPem": "-----BEGIN PUBLIC KEY-----..."
		},
		"assertionMethod": [{
			"id": "https://remote.example/users/bob#ed25519-key",
			"type": "Multikey",
			"controller": "https://remote.example/users/bob",
			"publicKeyMultibase": "z6Mk..."
		}]
	}`)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))

	actor := ActorFromMap(m)
	assert.Equal(t, "https://remote.example/users/bob", actor.ID)
	assert.Equal(t, "https://remote.example/users/bob/inbox", actor.Inbox)
	assert.Equal(t, "https://remote.example/inbox", actor.SharedInboxURL())
	// publicKey as a single object still yields one entry.
	require.Len(t, actor.PublicKeys, 1)
	assert.Equal(t, "https://remote.example/users/bob#main-key", actor.PublicKeys[0].ID)
	require.Len(t, actor.AssertionMethods, 1)
	assert.Equal(t, "Multikey", actor.AssertionMethods[0].Type)
}

func TestIsActorType(t *testing.T) {
	for _, typ := range []string{"Person", "Service", "Application", "Group", "Organization"} {
		assert.True(t, IsActorType(typ), typ)
	}
	assert.False(t, IsActorType("Note"))
	assert.False(t, IsActorType(""))
}

func TestAncestorChain(t *testing.T) {
	assert.Equal(t, []string{"Create", "Activity", "Object"}, AncestorChain("Create"))
	assert.Equal(t, []string{"TentativeAccept", "Accept", "Activity", "Object"}, AncestorChain("TentativeAccept"))
	assert.Equal(t, []string{"Block", "Ignore", "Activity", "Object"}, AncestorChain("Block"))
	// Unknown extension types yield themselves.
	assert.Equal(t, []string{"https://example.com/ns#Custom"}, AncestorChain("https://example.com/ns#Custom"))
}

func TestIsSubtype(t *testing.T) {
	assert.True(t, IsSubtype("Create", "Activity"))
	assert.True(t, IsSubtype("Invite", "Offer"))
	assert.True(t, IsSubtype("Activity", "Activity"))
	assert.False(t, IsSubtype("Note", "Activity"))
	assert.False(t, IsSubtype("Person", "Activity"))
}

func TestStringOrArray(t *testing.T) {
	var s StringOrArray
	require.NoError(t, json.Unmarshal([]byte(`"one"`), &s))
	assert.Equal(t, StringOrArray{"one"}, s)

	s = nil
	require.NoError(t, json.Unmarshal([]byte(`["one","two"]`), &s))
	assert.Equal(t, StringOrArray{"one", "two"}, s)

	s = nil
	require.NoError(t, json.Unmarshal([]byte(`[{"id":"https://x.example/1"}]`), &s))
	assert.Equal(t, StringOrArray{"https://x.example/1"}, s)
}
