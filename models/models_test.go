package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in   string
		want Role
	}{
		{"", RolePatient},
		{"patient", RolePatient},
		{"Doctor", RoleDoctor},
		{" admin ", RoleAdmin},
	}
	for _, tt := range tests {
		got, err := ParseRole(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseRole("superuser")
	assert.Error(t, err)
	assert.False(t, Role("superuser").Valid())
}

func TestPaymentReferences(t *testing.T) {
	p := &Payment{AppointmentIDs: []string{"ap1", "ap2", "ap3"}}
	assert.True(t, p.References([]string{"ap1", "ap3"}))
	assert.True(t, p.References(nil))
	assert.False(t, p.References([]string{"ap1", "ap9"}))
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "a@x.com", NormalizeEmail("  A@X.com "))
}
