package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// fakeSSMClient serves parameters from a fixed map and records each batch
// of names it was asked for.
type fakeSSMClient struct {
	params  map[string]string
	err     error
	batches [][]string
}

func (f *fakeSSMClient) GetParameters(_ context.Context, input *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	f.batches = append(f.batches, input.Names)
	if f.err != nil {
		return nil, f.err
	}
	if input.WithDecryption == nil || !*input.WithDecryption {
		return nil, errors.New("expected WithDecryption to be set")
	}

	output := &ssm.GetParametersOutput{}
	for _, name := range input.Names {
		if value, ok := f.params[name]; ok {
			output.Parameters = append(output.Parameters, ssmtypes.Parameter{
				Name:  aws.String(name),
				Value: aws.String(value),
			})
		} else {
			output.InvalidParameters = append(output.InvalidParameters, name)
		}
	}
	return output, nil
}

func TestSSMProviderResolvesBatch(t *testing.T) {
	client := &fakeSSMClient{params: map[string]string{
		"/dev/contractflow/webhook/token-hash": "hash",
		"/dev/contractflow/database/url":       "postgres://db",
	}}
	provider := newSSMProviderWithClient("us-east-1", client)

	result, err := provider.GetParametersBatch(context.Background(), []string{
		"/dev/contractflow/webhook/token-hash",
		"/dev/contractflow/database/url",
	})
	if err != nil {
		t.Fatalf("GetParametersBatch failed: %v", err)
	}

	if result["/dev/contractflow/webhook/token-hash"] != "hash" {
		t.Errorf("unexpected value: %v", result)
	}
	if len(client.batches) != 1 {
		t.Errorf("expected a single batch call, got %d", len(client.batches))
	}
}

func TestSSMProviderSplitsLargeRequests(t *testing.T) {
	params := make(map[string]string)
	keys := make([]string, 0, 23)
	for i := 0; i < 23; i++ {
		key := fmt.Sprintf("/dev/contractflow/param-%02d", i)
		params[key] = fmt.Sprintf("value-%02d", i)
		keys = append(keys, key)
	}
	client := &fakeSSMClient{params: params}
	provider := newSSMProviderWithClient("us-east-1", client)

	result, err := provider.GetParametersBatch(context.Background(), keys)
	if err != nil {
		t.Fatalf("GetParametersBatch failed: %v", err)
	}

	if len(result) != 23 {
		t.Errorf("expected 23 resolved values, got %d", len(result))
	}
	if len(client.batches) != 3 {
		t.Fatalf("expected 3 batches for 23 keys, got %d", len(client.batches))
	}
	for i, batch := range client.batches {
		if len(batch) > ssmMaxBatchSize {
			t.Errorf("batch %d exceeds SSM limit: %d keys", i, len(batch))
		}
	}
}

func TestSSMProviderReportsInvalidParameters(t *testing.T) {
	client := &fakeSSMClient{params: map[string]string{
		"/dev/contractflow/known": "value",
	}}
	provider := newSSMProviderWithClient("us-east-1", client)

	_, err := provider.GetParametersBatch(context.Background(), []string{
		"/dev/contractflow/known",
		"/dev/contractflow/unknown",
	})
	if err == nil {
		t.Fatal("expected error for invalid parameters")
	}
	if !strings.Contains(err.Error(), "/dev/contractflow/unknown") {
		t.Errorf("error should name the missing parameter: %v", err)
	}
}

func TestSSMProviderPropagatesAPIError(t *testing.T) {
	apiErr := errors.New("throttled")
	client := &fakeSSMClient{err: apiErr}
	provider := newSSMProviderWithClient("us-east-1", client)

	_, err := provider.GetParametersBatch(context.Background(), []string{"/dev/contractflow/x"})
	if !errors.Is(err, apiErr) {
		t.Fatalf("expected wrapped API error, got %v", err)
	}
}

func TestSSMProviderRespectsContextCancellation(t *testing.T) {
	client := &fakeSSMClient{params: map[string]string{}}
	provider := newSSMProviderWithClient("us-east-1", client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := provider.GetParametersBatch(ctx, []string{"/dev/contractflow/x"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(client.batches) != 0 {
		t.Error("no SSM calls should be made after cancellation")
	}
}

func TestSSMProviderEmptyKeys(t *testing.T) {
	provider := newSSMProviderWithClient("us-east-1", &fakeSSMClient{})
	result, err := provider.GetParametersBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("GetParametersBatch failed: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("expected empty map, got %v", result)
	}
}
