package query

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oicur0t/winevt-tailer/internal/errs"
)

func TestIsValid(t *testing.T) {
	good := []string{
		"*",
		`*[UserData/*/PrinterName="MyPrinter" and System/Level=1]`,
		`*[System[(Level <= 3) and TimeCreated[timediff(@SystemTime) <= 86400000]]]`,
		`*[System[band(Keywords,4503599627370496)]]`,
		`Event/System[EventID=4624]`,
	}
	bad := []string{"", "   ", `\abc`, "!abs", "[abs", "([abs])"}

	for _, q := range good {
		assert.True(t, IsValid(q), "expected valid: %q", q)
	}
	for _, q := range bad {
		assert.False(t, IsValid(q), "expected invalid: %q", q)
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("*"))

	err := Validate("[abs")
	assert.True(t, errs.Is(err, errs.KindConfig))
	assert.Contains(t, err.Error(), "[abs")
}

func TestRewriteExtensions(t *testing.T) {
	assert.Equal(t, "*[concat(0,@SystemTime) <= 1]", rewriteExtensions("*[timediff(@SystemTime) <= 1]"))
	assert.Equal(t, "*[concat(0,Keywords, 8)]", rewriteExtensions("*[band (Keywords, 8)]"))
	assert.Equal(t, "*[xband(1)]", rewriteExtensions("*[xband(1)]"))
}
