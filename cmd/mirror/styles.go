package main

import "github.com/charmbracelet/lipgloss"

var (
	// https://github.com/fidian/ansi
	redStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	greenStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	cyanStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	grayStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))

	titleStyle   = cyanStyle.Bold(true)
	headerStyle  = lipgloss.NewStyle().Bold(true)
	errorStyle   = redStyle
	helpStyle    = grayStyle
	spinnerStyle = cyanStyle
)
