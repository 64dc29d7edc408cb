package appErrors_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	appErrors "github.com/unclebandit/newsletter-backend/internal/errors"
)

func TestClassificationSurvivesWrapping(t *testing.T) {
	notFound := fmt.Errorf("load: %w", appErrors.NewNewsletterNotFound("abc"))
	assert.True(t, appErrors.IsNotFound(notFound))
	assert.False(t, appErrors.IsValidation(notFound))
	assert.Equal(t, "load: newsletter with ID abc not found", notFound.Error())

	assert.True(t, appErrors.IsNotFound(appErrors.NewNoSubscribers()))
	assert.Equal(t, "No subscribers found", appErrors.NewNoSubscribers().Error())

	invalid := appErrors.NewValidation("subject", "is required")
	assert.True(t, appErrors.IsValidation(invalid))
	assert.Equal(t, "subject: is required", invalid.Error())

	cause := errors.New("dial tcp: connection refused")
	cfgErr := fmt.Errorf("verify: %w", appErrors.NewConfiguration(cause))
	assert.True(t, appErrors.IsConfiguration(cfgErr))
	assert.ErrorIs(t, cfgErr, cause)
	assert.Contains(t, cfgErr.Error(), "SMTP configuration error")
}
