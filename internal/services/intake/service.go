// -----------------------------------------------------------------------
// Intake - email submission mailbox polling. Unseen messages matching the
// subject filter are parsed for paper identifiers; each identifier becomes
// a paper record and a queued extraction job.
// -----------------------------------------------------------------------

package intake

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
	"github.com/ternarybob/excerpo/internal/scheduler"
)

// Enqueuer is the slice of the scheduler the intake service needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req scheduler.EnqueueRequest) (*models.Job, bool, error)
}

// Service polls the submission mailbox and turns matching messages into
// papers and queued jobs.
type Service struct {
	cfg    *common.IntakeConfig
	papers interfaces.PaperStorage
	queue  Enqueuer
	logger arbor.ILogger
}

// NewService creates the intake service.
func NewService(cfg *common.IntakeConfig, papers interfaces.PaperStorage, queue Enqueuer, logger arbor.ILogger) *Service {
	return &Service{
		cfg:    cfg,
		papers: papers,
		queue:  queue,
		logger: logger,
	}
}

// Poll reads unseen messages from the mailbox, enqueues an extraction job
// for every identifier found in messages matching the subject filter, and
// marks processed messages seen. It returns the number of jobs enqueued.
func (s *Service) Poll(ctx context.Context) (int, error) {
	if s.cfg.Host == "" || s.cfg.Username == "" || s.cfg.Password == "" {
		return 0, fmt.Errorf("intake mailbox not configured")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var c *client.Client
	var err error
	if s.cfg.UseTLS {
		c, err = client.DialTLS(addr, nil)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer c.Logout()

	if err := c.Login(s.cfg.Username, s.cfg.Password); err != nil {
		return 0, fmt.Errorf("IMAP login failed: %w", err)
	}

	mbox, err := c.Select("INBOX", false)
	if err != nil {
		return 0, fmt.Errorf("failed to select INBOX: %w", err)
	}
	if mbox.Messages == 0 {
		return 0, nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	seqNums, err := c.Search(criteria)
	if err != nil {
		return 0, fmt.Errorf("failed to search for unseen messages: %w", err)
	}
	if len(seqNums) == 0 {
		return 0, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(seqNums...)

	// Peek keeps the fetch from flagging everything seen; only messages
	// that actually process get flagged below.
	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, len(seqNums))
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqSet, []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, section.FetchItem()}, messages)
	}()

	enqueued := 0
	var processed []uint32
	for msg := range messages {
		if msg == nil || msg.Envelope == nil {
			continue
		}

		subject := msg.Envelope.Subject
		if s.cfg.SubjectFilter != "" && !strings.Contains(strings.ToLower(subject), strings.ToLower(s.cfg.SubjectFilter)) {
			continue
		}

		body, err := parseMessageBody(msg, section)
		if err != nil {
			// Unparseable now is unparseable next poll too; flag it so the
			// mailbox does not poison-loop.
			s.logger.Warn().Err(err).Int64("seq", int64(msg.SeqNum)).Msg("Failed to parse submission body")
			processed = append(processed, msg.SeqNum)
			continue
		}

		submissions := ParseSubmissions(subject + "\n" + body)
		if len(submissions) == 0 {
			s.logger.Debug().Int64("seq", int64(msg.SeqNum)).Str("subject", subject).Msg("Submission email carried no identifiers")
			processed = append(processed, msg.SeqNum)
			continue
		}

		jobs, err := s.submit(ctx, submissions)
		if err != nil {
			// Storage trouble is worth a retry on the next poll; leave the
			// message unseen.
			s.logger.Warn().Err(err).Int64("seq", int64(msg.SeqNum)).Msg("Failed to enqueue submission")
			continue
		}

		enqueued += jobs
		processed = append(processed, msg.SeqNum)
		s.logger.Info().
			Int64("seq", int64(msg.SeqNum)).
			Str("subject", subject).
			Int("jobs", jobs).
			Msg("Submission email processed")
	}

	if err := <-done; err != nil {
		return enqueued, fmt.Errorf("failed to fetch messages: %w", err)
	}

	if len(processed) > 0 {
		seen := new(imap.SeqSet)
		seen.AddNum(processed...)
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := c.Store(seen, item, []interface{}{imap.SeenFlag}, nil); err != nil {
			return enqueued, fmt.Errorf("failed to mark messages seen: %w", err)
		}
	}

	return enqueued, nil
}

// submit creates papers for the submissions and queues one job each.
// Submissions whose DOI or arXiv id already has a paper record reuse it.
func (s *Service) submit(ctx context.Context, submissions []Submission) (int, error) {
	enqueued := 0
	for _, sub := range submissions {
		paper, err := s.ensurePaper(ctx, sub)
		if err != nil {
			return enqueued, err
		}
		_, created, err := s.queue.Enqueue(ctx, scheduler.EnqueueRequest{PaperID: paper.ID})
		if err != nil {
			return enqueued, err
		}
		if created {
			enqueued++
		}
	}
	return enqueued, nil
}

func (s *Service) ensurePaper(ctx context.Context, sub Submission) (*models.Paper, error) {
	if sub.DOI != "" {
		if paper, err := s.papers.FindPaperByDOI(ctx, sub.DOI); err == nil {
			return paper, nil
		}
	}
	if sub.ArxivID != "" {
		if paper, err := s.papers.FindPaperByArxivID(ctx, sub.ArxivID); err == nil {
			return paper, nil
		}
	}
	paper := models.NewPaper("", sub.DOI, sub.ArxivID, sub.SourceURL, models.PaperSourceEmail)
	if err := s.papers.SavePaper(ctx, paper); err != nil {
		return nil, fmt.Errorf("failed to save submitted paper: %w", err)
	}
	return paper, nil
}

// parseMessageBody extracts the text/plain part of a fetched message.
func parseMessageBody(msg *imap.Message, section *imap.BodySectionName) (string, error) {
	r := msg.GetBody(section)
	if r == nil {
		return "", fmt.Errorf("no body section")
	}

	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", fmt.Errorf("failed to create mail reader: %w", err)
	}

	var body string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read next part: %w", err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			if strings.HasPrefix(contentType, "text/plain") {
				b, err := io.ReadAll(p.Body)
				if err != nil {
					return "", fmt.Errorf("failed to read body: %w", err)
				}
				body = string(b)
			}
		}
	}

	return strings.TrimSpace(body), nil
}
