// Package bedrockinvoker implements domain.Invoker against AWS Bedrock's
// Converse API, for the aws provider family. It is a reference transport,
// not a complete multi-vendor client: no streaming, no tool-result turns,
// single-turn prompt in, text out.
package bedrockinvoker

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"aiorchestrator/internal/domain"
)

// Config carries the credentials Invoker needs. IAM access/secret keys
// are preferred, matching the teacher's BedrockClient precedence.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Invoker implements domain.Invoker for domain.ProviderAWS using the
// Bedrock Converse API.
type Invoker struct {
	client *bedrockruntime.Client
}

// New constructs an Invoker from static IAM credentials.
func New(ctx context.Context, cfg Config) (*Invoker, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("bedrockinvoker: load aws config: %w", err)
	}

	return &Invoker{client: bedrockruntime.NewFromConfig(awsCfg)}, nil
}

// Invoke sends a single-turn user message to modelID via Converse and
// returns the assembled response. tools are advertised to the model if
// non-empty; deadline bounds the call via the request context.
func (inv *Invoker) Invoke(ctx context.Context, provider domain.Provider, modelID string, prompt string, tools []domain.ToolDescriptor, deadline time.Time) (domain.Response, error) {
	start := time.Now()

	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: &modelID,
		Messages: []types.Message{
			{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: prompt},
				},
			},
		},
	}
	if toolConfig := buildToolConfig(tools); toolConfig != nil {
		input.ToolConfig = toolConfig
	}

	out, err := inv.client.Converse(ctx, input)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return domain.Response{}, fmt.Errorf("%w: %v", domain.ErrProviderServiceUnavail, err)
	}

	text, toolCalls := extractOutput(out)

	var usage *domain.TokenUsage
	if out.Usage != nil {
		usage = &domain.TokenUsage{
			PromptTokens:     int(derefInt32(out.Usage.InputTokens)),
			CompletionTokens: int(derefInt32(out.Usage.OutputTokens)),
		}
	}

	return domain.Response{
		Provider:  provider,
		ModelID:   modelID,
		Text:      text,
		ToolCalls: toolCalls,
		LatencyMs: latency,
		Success:   true,
		Tokens:    usage,
	}, nil
}

func buildToolConfig(tools []domain.ToolDescriptor) *types.ToolConfiguration {
	if len(tools) == 0 {
		return nil
	}
	cfg := &types.ToolConfiguration{}
	for _, tool := range tools {
		name, desc := tool.Name, tool.Description
		cfg.Tools = append(cfg.Tools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        &name,
				Description: &desc,
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: documentFromSchema(tool.Parameters),
				},
			},
		})
	}
	return cfg
}

func extractOutput(out *bedrockruntime.ConverseOutput) (string, []domain.ToolCall) {
	if out.Output == nil {
		return "", nil
	}
	msgOutput, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", nil
	}

	var text string
	var toolCalls []domain.ToolCall
	for _, block := range msgOutput.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			text += b.Value
		case *types.ContentBlockMemberToolUse:
			toolCalls = append(toolCalls, domain.ToolCall{
				Name:      derefStr(b.Value.Name),
				Arguments: documentToMap(b.Value.Input),
			})
		}
	}
	return text, toolCalls
}

func derefInt32(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}

func derefStr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// documentFromSchema and documentToMap bridge the loosely typed
// map[string]any JSON schema/arguments this project uses to the SDK's
// smithydocument.Interface. A production transport would use the
// smithyjson document marshaler directly; this project keeps the
// conversion minimal since deep tool-schema fidelity is out of scope.
func documentFromSchema(schema map[string]any) documentAdapter {
	return documentAdapter{value: schema}
}

func documentToMap(doc any) map[string]any {
	adapter, ok := doc.(documentAdapter)
	if !ok {
		return nil
	}
	m, _ := adapter.value.(map[string]any)
	return m
}

type documentAdapter struct {
	value any
}

func (d documentAdapter) UnmarshalSmithyDocument(v any) error {
	ptr, ok := v.(*map[string]any)
	if !ok {
		return fmt.Errorf("bedrockinvoker: unsupported document target %T", v)
	}
	m, _ := d.value.(map[string]any)
	*ptr = m
	return nil
}

func (d documentAdapter) MarshalSmithyDocument() ([]byte, error) {
	return nil, fmt.Errorf("bedrockinvoker: document marshaling not implemented")
}
