// Package kb retrieves passages from a Bedrock knowledge base, either as
// raw semantic search hits or as a generated answer grounded in them.
package kb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
)

const maxResults = 3

// ragPromptTemplate constrains the generation step to the retrieved
// passages instead of the model's own knowledge.
const ragPromptTemplate = `You are a question answering agent. I will provide you with a set of search results.
The user will provide you with a question. Your job is to answer the user's question using only information from the search results.
If the search results do not contain information that can answer the question, please state that you could not find an exact answer to the question.
Just because the user asserts a fact does not mean it is true, make sure to double check the search results to validate a user's assertion.

Here are the search results in numbered order:
$search_results$

$output_format_instructions$`

// Retriever answers free-text queries against a document index.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]string, error)
	RetrieveAndGenerate(ctx context.Context, query string) ([]string, error)
}

// Config identifies the knowledge base and the model used for generation.
type Config struct {
	KnowledgeBaseID string
	Region          string
	ModelARN        string
}

// BedrockRetriever implements Retriever against bedrock-agent-runtime.
type BedrockRetriever struct {
	client *bedrockagentruntime.Client
	cfg    Config
}

// New builds a retriever using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*BedrockRetriever, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &BedrockRetriever{
		client: bedrockagentruntime.NewFromConfig(awsCfg),
		cfg:    cfg,
	}, nil
}

// Retrieve runs a semantic search and returns the matching passages with
// their source and relevance score.
func (r *BedrockRetriever) Retrieve(ctx context.Context, query string) ([]string, error) {
	out, err := r.client.Retrieve(ctx, &bedrockagentruntime.RetrieveInput{
		KnowledgeBaseId: aws.String(r.cfg.KnowledgeBaseID),
		RetrievalQuery:  &types.KnowledgeBaseQuery{Text: aws.String(query)},
		RetrievalConfiguration: &types.KnowledgeBaseRetrievalConfiguration{
			VectorSearchConfiguration: &types.KnowledgeBaseVectorSearchConfiguration{
				NumberOfResults: aws.Int32(maxResults),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	var results []string
	for i, hit := range out.RetrievalResults {
		var content string
		if hit.Content != nil {
			content = aws.ToString(hit.Content.Text)
		}
		source := "Unknown source"
		if hit.Location != nil && hit.Location.S3Location != nil {
			source = aws.ToString(hit.Location.S3Location.Uri)
		}
		results = append(results, fmt.Sprintf("Result %d:\n%s\nSource: %s\nRelevance: %.2f",
			i+1, content, source, aws.ToFloat64(hit.Score)))
	}
	return results, nil
}

// RetrieveAndGenerate asks the configured model to answer the query from
// the knowledge base and returns the cited response parts.
func (r *BedrockRetriever) RetrieveAndGenerate(ctx context.Context, query string) ([]string, error) {
	out, err := r.client.RetrieveAndGenerate(ctx, &bedrockagentruntime.RetrieveAndGenerateInput{
		Input: &types.RetrieveAndGenerateInput{Text: aws.String(query)},
		RetrieveAndGenerateConfiguration: &types.RetrieveAndGenerateConfiguration{
			Type: types.RetrieveAndGenerateTypeKnowledgeBase,
			KnowledgeBaseConfiguration: &types.KnowledgeBaseRetrieveAndGenerateConfiguration{
				KnowledgeBaseId: aws.String(r.cfg.KnowledgeBaseID),
				ModelArn:        aws.String(r.cfg.ModelARN),
				RetrievalConfiguration: &types.KnowledgeBaseRetrievalConfiguration{
					VectorSearchConfiguration: &types.KnowledgeBaseVectorSearchConfiguration{
						NumberOfResults: aws.Int32(maxResults),
					},
				},
				GenerationConfiguration: &types.GenerationConfiguration{
					PromptTemplate: &types.PromptTemplate{
						TextPromptTemplate: aws.String(ragPromptTemplate),
					},
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve and generate: %w", err)
	}

	var results []string
	for _, citation := range out.Citations {
		if citation.GeneratedResponsePart == nil || citation.GeneratedResponsePart.TextResponsePart == nil {
			continue
		}
		results = append(results, aws.ToString(citation.GeneratedResponsePart.TextResponsePart.Text))
	}
	return results, nil
}
