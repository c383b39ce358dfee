package dialog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractEmail(t *testing.T) {
	email, ok := ExtractEmail("mon adresse c'est Jean.Dupont@Example.com voilà")
	assert.True(t, ok)
	assert.Equal(t, "jean.dupont@example.com", email)

	_, ok = ExtractEmail("je n'ai pas d'adresse")
	assert.False(t, ok)
}

func TestExtractDigits(t *testing.T) {
	assert.Equal(t, "0612345678", ExtractDigits("06 12 34 56 78"))
	assert.Equal(t, "06", ExtractDigits("zéro six"))
	assert.Equal(t, "0612", ExtractDigits("zéro six, 12"))
	assert.Equal(t, "", ExtractDigits("aucun chiffre ici"))
}

func TestNormalizeFrenchPhone(t *testing.T) {
	phone, ok := NormalizeFrenchPhone("0612345678")
	assert.True(t, ok)
	assert.Equal(t, "0612345678", phone)

	phone, ok = NormalizeFrenchPhone("33612345678")
	assert.True(t, ok)
	assert.Equal(t, "0612345678", phone)

	phone, ok = NormalizeFrenchPhone("0033612345678")
	assert.True(t, ok)
	assert.Equal(t, "0612345678", phone)

	_, ok = NormalizeFrenchPhone("0612")
	assert.False(t, ok)
	_, ok = NormalizeFrenchPhone("6123456789")
	assert.False(t, ok)
}

func TestParsePreference(t *testing.T) {
	tests := []struct {
		text string
		want string
		ok   bool
	}{
		{"le matin", "morning", true},
		{"plutôt l'après-midi", "afternoon", true},
		{"en fin de journée", "evening", true},
		{"peu importe", "any", true},
		{"mardi prochain", "", false},
	}
	for _, tc := range tests {
		got, ok := ParsePreference(tc.text)
		assert.Equal(t, tc.ok, ok, tc.text)
		if tc.ok {
			assert.Equal(t, tc.want, got, tc.text)
		}
	}
}

func TestExtractName(t *testing.T) {
	assert.Equal(t, "Jean Dupont", extractName("Jean Dupont"))
	assert.Equal(t, "Jean Dupont", extractName("je m'appelle jean dupont"))
	assert.Equal(t, "Marie Curie", extractName("c'est Marie Curie."))
	assert.Empty(t, extractName("oui"))
	assert.Empty(t, extractName("bonjour"))
	assert.Empty(t, extractName("0612345678"))
	assert.Empty(t, extractName(""))
}
