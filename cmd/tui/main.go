package main

import (
	"context"
	"log"

	tea "github.com/charmbracelet/bubbletea"

	"chattered/internal/config"
	"chattered/internal/conversation"
	"chattered/internal/services"
	"chattered/internal/tui"
)

func main() {
	cfg := config.Load()

	ctx := context.Background()
	factory, closeFactory, err := services.NewSessionFactory(ctx, cfg)
	if err != nil {
		log.Fatalf("✗ Model backend initialization failed: %v", err)
	}
	defer closeFactory()

	ctl := conversation.NewController(factory)
	p := tea.NewProgram(tui.New(ctx, ctl), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("✗ Terminal UI failed: %v", err)
	}
}
