// Package provider adapts the Gemini generative language API to the generation controller.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/api/generativelanguage/v1beta"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/MarkoPoloResearchLab/credits/pkg/generation"
)

const (
	defaultModel = "models/gemini-1.5-flash"
	modelPrefix  = "models/"

	reasonRateLimited       = "rate_limited"
	reasonQuotaExceeded     = "quota_exceeded"
	reasonInvalidCredential = "invalid_credential"
	reasonUnavailable       = "provider_unavailable"
	reasonNetwork           = "network"
	reasonBlocked           = "blocked"
	reasonEmptyResponse     = "empty_response"
	reasonRejected          = "rejected"
)

// Gemini implements generation.Provider. Services are cached per credential.
type Gemini struct {
	defaultModel string
	options      []option.ClientOption

	mutex    sync.Mutex
	services map[string]*generativelanguage.Service
}

// NewGemini builds a provider. Extra client options (endpoint overrides) apply to every credential.
func NewGemini(model string, options ...option.ClientOption) *Gemini {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModel
	}
	return &Gemini{
		defaultModel: qualifyModel(model),
		options:      options,
		services:     map[string]*generativelanguage.Service{},
	}
}

// Generate performs one generateContent call with credential.
func (gemini *Gemini) Generate(ctx context.Context, credential string, operation generation.Operation, prompt string) (string, error) {
	service, err := gemini.serviceFor(ctx, credential)
	if err != nil {
		return "", generation.Terminal(reasonRejected, err)
	}
	model := gemini.defaultModel
	if strings.TrimSpace(operation.Model) != "" {
		model = qualifyModel(operation.Model)
	}
	request := &generativelanguage.GenerateContentRequest{
		Contents: []*generativelanguage.Content{{
			Role:  "user",
			Parts: []*generativelanguage.Part{{Text: prompt}},
		}},
	}
	response, err := service.Models.GenerateContent(model, request).Context(ctx).Do()
	if err != nil {
		return "", Classify(err)
	}
	if response.PromptFeedback != nil && response.PromptFeedback.BlockReason != "" {
		return "", generation.Terminal(reasonBlocked, fmt.Errorf("prompt blocked: %s", response.PromptFeedback.BlockReason))
	}
	text := collectText(response)
	if text == "" {
		return "", generation.Terminal(reasonEmptyResponse, nil)
	}
	return text, nil
}

func (gemini *Gemini) serviceFor(ctx context.Context, credential string) (*generativelanguage.Service, error) {
	gemini.mutex.Lock()
	defer gemini.mutex.Unlock()
	if service, ok := gemini.services[credential]; ok {
		return service, nil
	}
	options := append([]option.ClientOption{option.WithAPIKey(credential)}, gemini.options...)
	service, err := generativelanguage.NewService(context.WithoutCancel(ctx), options...)
	if err != nil {
		return nil, err
	}
	gemini.services[credential] = service
	return service, nil
}

// Classify maps Gemini failures onto the controller's transient/terminal classes.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiError *googleapi.Error
	if errors.As(err, &apiError) {
		switch {
		case apiError.Code == http.StatusTooManyRequests:
			if mentionsQuota(apiError) {
				return generation.Transient(reasonQuotaExceeded, err)
			}
			return generation.Transient(reasonRateLimited, err)
		case apiError.Code == http.StatusUnauthorized || apiError.Code == http.StatusForbidden:
			return generation.Transient(reasonInvalidCredential, err)
		case apiError.Code == http.StatusBadRequest && mentionsInvalidKey(apiError):
			return generation.Transient(reasonInvalidCredential, err)
		case apiError.Code == http.StatusInternalServerError || apiError.Code == http.StatusServiceUnavailable:
			return generation.Transient(reasonUnavailable, err)
		default:
			return generation.Terminal(reasonRejected, err)
		}
	}
	var netError net.Error
	if errors.As(err, &netError) {
		return generation.Transient(reasonNetwork, err)
	}
	return generation.Terminal(reasonRejected, err)
}

func mentionsQuota(apiError *googleapi.Error) bool {
	if strings.Contains(strings.ToLower(apiError.Message), "quota") {
		return true
	}
	for _, item := range apiError.Errors {
		if strings.Contains(strings.ToLower(item.Reason), "quota") {
			return true
		}
	}
	return false
}

func mentionsInvalidKey(apiError *googleapi.Error) bool {
	if strings.Contains(strings.ToLower(apiError.Message), "api key not valid") {
		return true
	}
	for _, item := range apiError.Errors {
		if strings.EqualFold(item.Reason, "API_KEY_INVALID") || strings.EqualFold(item.Reason, "keyInvalid") {
			return true
		}
	}
	return false
}

func collectText(response *generativelanguage.GenerateContentResponse) string {
	var builder strings.Builder
	for _, candidate := range response.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil {
				builder.WriteString(part.Text)
			}
		}
		if builder.Len() > 0 {
			break
		}
	}
	return builder.String()
}

func qualifyModel(model string) string {
	if strings.HasPrefix(model, modelPrefix) {
		return model
	}
	return modelPrefix + model
}
