// Package pipeline runs the extraction for one claimed job: resolve a
// source, fetch it, reduce it to text, call the model, validate the payload.
// Every failure leaves with a retry classification attached so the scheduler
// can decide whether the attempt is worth reissuing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
	"github.com/ternarybob/excerpo/internal/services/content"
	"github.com/ternarybob/excerpo/internal/services/fetch"
	"github.com/ternarybob/excerpo/internal/services/schema"
)

// Pipeline wires the stage services into one extraction run.
type Pipeline struct {
	resolver  interfaces.SourceResolver
	fetcher   *fetch.Fetcher
	extractor *content.Extractor
	provider  interfaces.LLMProvider
	schemas   *schema.Registry
	papers    interfaces.PaperStorage
	logger    arbor.ILogger
}

var _ interfaces.Pipeline = (*Pipeline)(nil)

// New builds the extraction pipeline from its stage services.
func New(
	resolver interfaces.SourceResolver,
	fetcher *fetch.Fetcher,
	extractor *content.Extractor,
	provider interfaces.LLMProvider,
	schemas *schema.Registry,
	papers interfaces.PaperStorage,
	logger arbor.ILogger,
) *Pipeline {
	return &Pipeline{
		resolver:  resolver,
		fetcher:   fetcher,
		extractor: extractor,
		provider:  provider,
		schemas:   schemas,
		papers:    papers,
		logger:    logger,
	}
}

// Run executes the full extraction for one claimed job. The job enters in
// the fetching stage; Run reports the provider and validating stage
// boundaries through the callback and stops promptly when a checkpoint
// reports lease loss or cancellation.
func (p *Pipeline) Run(ctx context.Context, req interfaces.PipelineRequest) (*interfaces.PipelineResult, error) {
	job := req.Job

	paper, err := p.papers.GetPaper(ctx, job.PaperID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, interfaces.NewPipelineError(models.ClassPermanent, "paper record missing", err)
		}
		return nil, interfaces.NewPipelineError(models.ClassTransientNetwork, "paper lookup failed", err)
	}

	source, err := p.resolver.Resolve(ctx, paper)
	if err != nil {
		return nil, classifyResolve(err)
	}
	if source == nil {
		return nil, interfaces.NewPipelineError(models.ClassNoSourceResolved, "no fetchable source resolved", nil)
	}

	p.logger.Debug().
		Str("job_id", job.ID).
		Str("url", source.URL).
		Str("adapter", source.Adapter).
		Str("kind", string(source.Kind)).
		Msg("Source resolved")

	doc, err := p.fetcher.Fetch(ctx, source)
	if err != nil {
		return nil, classifyFetch(err)
	}

	extracted, err := p.extract(ctx, doc)
	if err != nil {
		return nil, err
	}

	p.logger.Debug().
		Str("job_id", job.ID).
		Int("text_bytes", len(extracted.Text)).
		Int("pages", extracted.Pages).
		Bool("rendered", doc.Rendered).
		Msg("Source text extracted")

	if err := req.Report(ctx, models.JobStateProvider); err != nil {
		return nil, err
	}

	sc, err := p.schemas.Get(job.SchemaRef)
	if err != nil {
		return nil, interfaces.NewPipelineError(models.ClassPermanent, fmt.Sprintf("unknown extraction schema %q", job.SchemaRef), err)
	}

	system, user := sc.BuildPrompt(paper, extracted.Text)
	resp, err := p.provider.GenerateContent(ctx, &interfaces.ContentRequest{
		Messages:          []interfaces.Message{{Role: "user", Content: user}},
		Model:             job.ModelRef,
		SystemInstruction: system,
		OutputSchema:      sc.JSONSchema(),
	})
	if err != nil {
		return nil, classifyProvider(err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, interfaces.NewPipelineError(models.ClassProviderEmpty, "provider returned an empty completion", nil)
	}

	if err := req.Report(ctx, models.JobStateValidating); err != nil {
		return nil, err
	}

	payload, err := schema.ParseExtraction(resp.Content)
	if err != nil {
		return nil, interfaces.NewPipelineError(models.ClassValidationError, "payload is not valid JSON", err)
	}
	if err := sc.Validate(payload); err != nil {
		return nil, interfaces.NewPipelineError(models.ClassValidationError, "payload rejected by schema", err)
	}

	return &interfaces.PipelineResult{
		Fields:    payload,
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
	}, nil
}

// extract reduces the fetched body to model-ready text.
func (p *Pipeline) extract(ctx context.Context, doc *fetch.Document) (*content.Extracted, error) {
	switch doc.Kind {
	case interfaces.SourceKindPDF:
		extracted, err := p.extractor.FromPDF(ctx, doc.Body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, interfaces.NewPipelineError(models.ClassTransientNetwork, "extraction interrupted", err)
			}
			return nil, interfaces.NewPipelineError(models.ClassPermanent, "pdf text extraction failed", err)
		}
		return extracted, nil
	default:
		extracted, err := p.extractor.FromHTML(string(doc.Body), doc.URL)
		if err != nil {
			return nil, interfaces.NewPipelineError(models.ClassPermanent, "html content extraction failed", err)
		}
		return extracted, nil
	}
}
