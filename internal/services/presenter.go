package services

import "chattered/internal/models"

// Presenter prepares snapshots for the browser.
type Presenter struct {
	markdown *MarkdownRenderer
}

func NewPresenter(markdown *MarkdownRenderer) *Presenter {
	return &Presenter{markdown: markdown}
}

func (p *Presenter) Present(snap models.Snapshot) models.ChatView {
	msgs := make([]models.MessageView, len(snap.Messages))
	for i, m := range snap.Messages {
		msgs[i] = models.MessageView{
			ID:        m.ID,
			Role:      m.Role,
			Label:     m.Role.Label(),
			Text:      m.Text,
			HTML:      p.markdown.Render(m.Text),
			Timestamp: m.Timestamp,
		}
	}
	return models.ChatView{
		Version:    snap.Version,
		State:      snap.State,
		Messages:   msgs,
		Input:      snap.Input,
		Generating: snap.Generating,
		Error:      snap.Error,
	}
}
