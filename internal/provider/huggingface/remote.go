package huggingface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vnmchuo/ensemble-gateway/internal/provider"
)

const (
	defaultBaseURL = "https://api-inference.huggingface.co"
	defaultHubURL  = "https://huggingface.co"
)

type remoteClient struct {
	baseURL    string
	hubURL     string
	apiKey     string
	httpClient *http.Client
}

type generationRequest struct {
	Inputs     string         `json:"inputs"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
}

type generationResult struct {
	GeneratedText string `json:"generated_text"`
}

type apiErrorBody struct {
	Error string `json:"error"`
}

func newRemoteClient(baseURL, hubURL, apiKey string, httpClient *http.Client) *remoteClient {
	return &remoteClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		hubURL:     strings.TrimRight(hubURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

func (a *Adapter) invokeRemote(ctx context.Context, params provider.Params) (*provider.RawOutput, error) {
	timeout := params.PopDuration(provider.ParamTimeout, provider.DefaultTimeout)
	prompt := params.PopString(provider.ParamPrompt)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := a.client.textGeneration(ctx, a.modelID, prompt, params)
	if err != nil {
		return nil, err
	}

	return &provider.RawOutput{
		GeneratedText: text,
		ModelID:       a.modelID,
		Usage:         a.usage(prompt, text),
	}, nil
}

func (c *remoteClient) textGeneration(ctx context.Context, modelID, prompt string, params provider.Params) (string, error) {
	body, err := json.Marshal(buildGenerationRequest(prompt, params))
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/models/%s", c.baseURL, modelID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &provider.HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return parseGeneration(respBody)
}

func (c *remoteClient) whoami(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.hubURL+"/api/whoami-v2", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &provider.HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// buildGenerationRequest splits the remaining params into generation parameters and
// request options the way the Inference API expects them.
func buildGenerationRequest(prompt string, params provider.Params) generationRequest {
	parameters := map[string]any{"return_full_text": false}
	options := map[string]any{"wait_for_model": true}

	for k, v := range params {
		switch k {
		case ParamUseCache:
			options["use_cache"] = v
		case ParamStopSequences:
			parameters["stop"] = v
		case provider.ParamTemperature:
			// The API rejects a zero temperature; leaving it out selects the model default.
			if t, ok := v.(float64); ok && t <= 0 {
				continue
			}
			parameters[k] = v
		default:
			parameters[k] = v
		}
	}

	return generationRequest{Inputs: prompt, Parameters: parameters, Options: options}
}

func parseGeneration(body []byte) (string, error) {
	var results []generationResult
	if err := json.Unmarshal(body, &results); err == nil {
		if len(results) == 0 {
			return "", fmt.Errorf("inference api returned no generations")
		}
		return results[0].GeneratedText, nil
	}

	var single generationResult
	if err := json.Unmarshal(body, &single); err == nil && single.GeneratedText != "" {
		return single.GeneratedText, nil
	}

	var apiErr apiErrorBody
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		return "", fmt.Errorf("inference api error: %s", apiErr.Error)
	}

	// Some deployments answer with the bare text.
	var text string
	if err := json.Unmarshal(body, &text); err == nil {
		return text, nil
	}
	return "", fmt.Errorf("unexpected inference api response: %s", string(body))
}
