package schemas_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// -- Test Cases --

func TestRoleLettersAndPriority(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		role     schemas.Role
		letter   string
		priority int
	}{
		{schemas.RoleInput, "I", 0},
		{schemas.RoleButton, "B", 1},
		{schemas.RoleLink, "L", 2},
		{schemas.RoleOption, "O", 3},
		{schemas.RoleFigure, "F", 4},
		{schemas.RoleMisc, "M", 5},
	}

	for _, tc := range testCases {
		tt := tc
		t.Run(string(tt.role), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.letter, tt.role.Letter())
			assert.Equal(t, tt.priority, tt.role.Priority())
			assert.True(t, tt.role.Valid())

			back, ok := schemas.RoleFromLetter(tt.letter[0])
			require.True(t, ok)
			assert.Equal(t, tt.role, back)
		})
	}

	assert.False(t, schemas.Role("heading").Valid())
	assert.Equal(t, "?", schemas.Role("heading").Letter())
}

func TestParseElementID(t *testing.T) {
	t.Parallel()

	t.Run("valid ids", func(t *testing.T) {
		id, err := schemas.ParseElementID("B0")
		require.NoError(t, err)
		assert.Equal(t, schemas.ElementID{Role: schemas.RoleButton, Index: 0}, id)

		id, err = schemas.ParseElementID(" L12 ")
		require.NoError(t, err)
		assert.Equal(t, schemas.ElementID{Role: schemas.RoleLink, Index: 12}, id)
		assert.Equal(t, "L12", id.String())
	})

	t.Run("malformed ids", func(t *testing.T) {
		for _, raw := range []string{"", "B", "0", "X1", "b1", "B-1", "B1a", "B01", "BB1"} {
			_, err := schemas.ParseElementID(raw)
			assert.Error(t, err, "expected %q to be rejected", raw)
		}
	})
}

func TestElementIDJSON(t *testing.T) {
	t.Parallel()

	type wrapper struct {
		Target *schemas.ElementID `json:"target"`
	}

	// Arrange
	in := wrapper{Target: &schemas.ElementID{Role: schemas.RoleInput, Index: 3}}

	// Act
	raw, err := json.Marshal(in)
	require.NoError(t, err)

	// Assert
	assert.JSONEq(t, `{"target":"I3"}`, string(raw))

	var out wrapper
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)

	err = json.Unmarshal([]byte(`{"target":"Q3"}`), &out)
	assert.Error(t, err)
}

func TestNodeHelpers(t *testing.T) {
	t.Parallel()

	n := schemas.Node{
		Ordinal:    7,
		Tag:        "input",
		Visible:    true,
		Attributes: map[string]string{"type": "text", "required": ""},
		Path:       []schemas.PathEntry{{Ordinal: 1, Tag: "body"}, {Ordinal: 4, Tag: "form"}},
	}

	assert.Equal(t, "text", n.Attr("type"))
	assert.Equal(t, "", n.Attr("missing"))
	assert.True(t, n.HasAttr("required"))
	assert.False(t, n.HasAttr("disabled"))
	assert.False(t, n.Hidden())
	assert.True(t, n.DescendsFrom(4))
	assert.False(t, n.DescendsFrom(5))

	n.ZeroSize = true
	assert.True(t, n.Hidden())
}

func TestActionSpaceLookup(t *testing.T) {
	t.Parallel()

	var empty *schemas.ActionSpace
	assert.True(t, empty.IsEmpty())
	assert.Equal(t, 0, empty.Len())

	id := schemas.ElementID{Role: schemas.RoleLink, Index: 0}
	space := &schemas.ActionSpace{
		Sections: []schemas.Section{{Label: "General"}},
		Elements: map[schemas.ElementID]schemas.Node{id: {Tag: "a"}},
		Order:    []schemas.ElementID{id},
	}
	assert.False(t, space.IsEmpty())

	node, ok := space.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, "a", node.Tag)

	_, ok = space.Lookup(schemas.ElementID{Role: schemas.RoleLink, Index: 1})
	assert.False(t, ok)
}
