package daraja

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		input    string
		expected string
	}{
		{"0712345678", "254712345678"},
		{"+254712345678", "254712345678"},
		{"254712345678", "254712345678"},
		{"712345678", "254712345678"},
		{"110123456", "254110123456"},
		{"0110 123 456", "254110123456"},
		{"0712-345-678", "254712345678"},
		{"(0712) 345678", "254712345678"},
		{" 0712345678 ", "254712345678"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.expected, NormalizePhone(tc.input), "input %q", tc.input)
	}
}

func TestNormalizePhoneIdempotent(t *testing.T) {
	inputs := []string{"0712345678", "+254712345678", "712345678", "garbage"}
	for _, input := range inputs {
		once := NormalizePhone(input)
		assert.Equal(t, once, NormalizePhone(once), "input %q", input)
	}
}

func TestIsValidPhone(t *testing.T) {
	assert.True(t, IsValidPhone("0712345678"))
	assert.True(t, IsValidPhone("+254110123456"))
	assert.True(t, IsValidPhone("254712345678"))

	assert.False(t, IsValidPhone(""))
	assert.False(t, IsValidPhone("12345"))
	assert.False(t, IsValidPhone("254812345678"))
	assert.False(t, IsValidPhone("25471234567"))
	assert.False(t, IsValidPhone("2547123456789"))
	assert.False(t, IsValidPhone("notaphone"))
}
