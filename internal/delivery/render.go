package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"strings"

	"fablecast/internal/external"
	"fablecast/internal/types"
)

// episodeContent is the shape of the generated episode this renderer
// understands. Unknown fields in the stored result are ignored.
type episodeContent struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

var emailTemplate = template.Must(template.New("episode").Parse(`<!DOCTYPE html>
<html>
  <body style="font-family: Georgia, serif; max-width: 600px; margin: 0 auto;">
    <h1>{{.Title}}</h1>
    {{range .Paragraphs}}<p>{{.}}</p>
    {{end}}
    <hr>
    <p style="color: #888; font-size: 12px;">You are receiving this because you subscribed to daily episodes.</p>
  </body>
</html>`))

// buildEmail loads the completed job behind a delivery and renders the
// outbound email.
func (d *Dispatcher) buildEmail(ctx context.Context, item *types.ScheduledDelivery) (external.EmailInput, error) {
	job, err := d.jobs.GetByID(ctx, item.JobID)
	if err != nil {
		return external.EmailInput{}, fmt.Errorf("loading job for delivery: %w", err)
	}
	if job.Status != types.JobCompleted || len(job.Result) == 0 {
		return external.EmailInput{}, types.NewAppError(
			types.ErrCodeDeliverySendFailed,
			fmt.Sprintf("job %s has no completed result to deliver", job.ID),
			nil,
		)
	}

	var result types.GenerationResult
	if err := json.Unmarshal(job.Result, &result); err != nil {
		return external.EmailInput{}, types.NewAppError(
			types.ErrCodeDeliverySendFailed,
			"stored generation result is not readable",
			err,
		)
	}

	var content episodeContent
	if err := json.Unmarshal(result.Content, &content); err != nil {
		return external.EmailInput{}, types.NewAppError(
			types.ErrCodeDeliverySendFailed,
			"stored episode content is not readable",
			err,
		)
	}
	if content.Title == "" {
		content.Title = "Your daily episode"
	}

	html, err := renderEpisodeHTML(content)
	if err != nil {
		return external.EmailInput{}, types.NewAppError(
			types.ErrCodeDeliverySendFailed,
			"failed to render episode email",
			err,
		)
	}

	return external.EmailInput{
		To:          item.Recipient,
		Subject:     content.Title,
		HTML:        html,
		Text:        content.Body,
		ReferenceID: item.ID,
	}, nil
}

func renderEpisodeHTML(content episodeContent) (string, error) {
	paragraphs := strings.Split(content.Body, "\n\n")
	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, struct {
		Title      string
		Paragraphs []string
	}{
		Title:      content.Title,
		Paragraphs: paragraphs,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
