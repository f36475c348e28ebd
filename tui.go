package main

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"vonai/call"
	"vonai/config"
)

// TUI message types
type StateMsg struct{ State call.State }
type AmplitudeMsg struct{ Amplitude float64 }
type DeviceLineMsg struct{ Text string }
type tickMsg time.Time

// caller is the part of the controller the TUI drives.
type caller interface {
	Toggle(ctx context.Context)
	Dispose(ctx context.Context)
}

type tuiModel struct {
	ctx           context.Context
	ctrl          caller
	profile       config.OrbConfig
	state         call.State
	amplitude     float64
	frame         int
	width, height int
	deviceLine    string
}

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

// Pre-computed pixel styles to avoid allocations in render loop
var (
	pixelColorsActive = []string{"", "226", "220", "214", "208", "196", "160", "124", "88", "52", "236", "236", "236", "236", "255", "249"}
	pixelColorsIdle   = []string{"", "231", "224", "217", "210", "160", "124", "88", "52", "236", "236", "236", "236", "236", "255", "249"}
	pixelStylesActive [16]lipgloss.Style
	pixelStylesIdle   [16]lipgloss.Style
	pixelBgActive     [16][16]lipgloss.Style
	pixelBgIdle       [16][16]lipgloss.Style
)

func init() {
	buildStyles(pixelColorsActive, &pixelStylesActive, &pixelBgActive)
	buildStyles(pixelColorsIdle, &pixelStylesIdle, &pixelBgIdle)
}

func buildStyles(colors []string, fg *[16]lipgloss.Style, bg *[16][16]lipgloss.Style) {
	for i, c := range colors {
		if c == "" {
			continue
		}
		fg[i] = lipgloss.NewStyle().Foreground(lipgloss.Color(c))
		for j, b := range colors {
			if b != "" {
				bg[i][j] = lipgloss.NewStyle().Foreground(lipgloss.Color(c)).Background(lipgloss.Color(b))
			}
		}
	}
}

func newTUIModel(ctx context.Context, ctrl caller, profile config.OrbConfig) tuiModel {
	return tuiModel{
		ctx:       ctx,
		ctrl:      ctrl,
		profile:   profile,
		state:     call.Idle,
		amplitude: 1,
	}
}

func NewTUIProgram(ctx context.Context, ctrl caller, profile config.OrbConfig) *tea.Program {
	return tea.NewProgram(newTUIModel(ctx, ctrl, profile), tea.WithAltScreen())
}

// tuiSend is a no-op when the TUI is not running.
func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

// tuiSink forwards display events to the running program.
type tuiSink struct{}

func (tuiSink) StateChanged(s call.State) { tuiSend(StateMsg{State: s}) }
func (tuiSink) Amplitude(amp float64)     { tuiSend(AmplitudeMsg{Amplitude: amp}) }
func (tuiSink) DeviceLine(text string)    { tuiSend(DeviceLineMsg{Text: text}) }

func tuiTick() tea.Cmd {
	return tea.Tick(60*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case " ", "enter":
			ctx, ctrl := m.ctx, m.ctrl
			return m, func() tea.Msg {
				ctrl.Toggle(ctx)
				return nil
			}
		case "q", "ctrl+c":
			ctx, ctrl := m.ctx, m.ctrl
			return m, func() tea.Msg {
				ctrl.Dispose(ctx)
				return tea.QuitMsg{}
			}
		}

	case tickMsg:
		m.frame++
		return m, tuiTick()

	case StateMsg:
		m.state = msg.State
		if !m.state.Active() {
			m.amplitude = 1
		}

	case AmplitudeMsg:
		if m.state.Active() {
			m.amplitude = msg.Amplitude
		}

	case DeviceLineMsg:
		m.deviceLine = msg.Text
	}
	return m, nil
}

var labelColors = map[call.State]string{
	call.Idle:       "252",
	call.Connecting: "241",
	call.Connected:  "214",
	call.Listening:  "214",
	call.Speaking:   "196",
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	scale := orbScale(m.profile, m.state, m.amplitude)
	live := m.state == call.Connected || m.state == call.Listening || m.state == call.Speaking

	var b strings.Builder
	b.WriteString(renderOrb(m.frame, scale, live))

	label := lipgloss.NewStyle().
		Foreground(lipgloss.Color(labelColors[m.state])).
		Bold(m.state == call.Speaking).
		Render(orbLabel(m.state))
	b.WriteString(label + "\n")

	if m.deviceLine != "" {
		b.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(m.deviceLine) + "\n")
	}
	b.WriteString("\n")

	helpStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	boldStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	action := " to talk"
	if m.state.Active() {
		action = " to hang up"
	}
	b.WriteString(boldStyle.Render("Space") + helpStyle.Render(" or ") +
		boldStyle.Render("Ctrl+Shift+Space") + helpStyle.Render(action) + "\n")
	b.WriteString(helpStyle.Render("q to quit · vonai "+version))

	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, b.String())
}

const (
	orbCharsW   = 44
	orbCharsH   = 15
	orbMaxRing  = 10.0
	idleBreathe = 0.08
)

type orbRing struct {
	radius   float64
	react    float64 // how strongly the ring follows scale
	colorIdx int
}

var orbRings = []orbRing{
	{0.6, 0.3, 1},
	{1.3, 0.4, 2},
	{2.0, 0.5, 3},
	{2.8, 1.0, 4},
	{3.5, 1.1, 5},
	{4.2, 1.0, 6},
	{5.0, 0.8, 7},
	{5.8, 0.4, 8},
	{6.5, 0.1, 9},
	{7.2, 0, 10},
	{8.0, 0, 11},
	{10.0, 0, 12},
	{12.0, 0, 13},
}

// orbPixels rasterizes the orb into palette indexes at twice the vertical
// character resolution. scale 1 draws the rings at rest.
func orbPixels(frame int, scale float64) [][]int {
	const pixW = orbCharsW
	const pixH = orbCharsH * 2
	centerX := float64(pixW) / 2
	centerY := float64(pixH) / 2

	breathe := math.Sin(float64(frame)*idleBreathe) * 0.03

	pixels := make([][]int, pixH)
	for y := range pixels {
		pixels[y] = make([]int, pixW)
		for x := 0; x < pixW; x++ {
			dx := float64(x) - centerX
			dy := float64(y) - centerY
			dist := math.Sqrt(dx*dx + dy*dy)
			for _, r := range orbRings {
				radius := r.radius * (1 + (scale-1+breathe)*r.react)
				if r.react > 0 && radius > orbMaxRing {
					radius = orbMaxRing
				}
				if dist < radius {
					pixels[y][x] = r.colorIdx
					break
				}
			}
		}
	}

	// Glass reflections
	type spot struct {
		ox, oy float64
		radius float64
		color  int
	}
	dSide, dSide2 := 9.0, 7.2
	dTop, dTop2 := 10.0, 8.2
	spots := []spot{
		{-dSide * 0.707, -dSide * 0.707, 0.7, 14},
		{-dSide2 * 0.707, -dSide2 * 0.707, 0.4, 15},
		{0, -dTop, 0.8, 14},
		{0, -dTop2, 0.6, 15},
		{dSide * 0.707, -dSide * 0.707, 0.7, 14},
		{dSide2 * 0.707, -dSide2 * 0.707, 0.4, 15},
	}
	for y := 0; y < pixH; y++ {
		for x := 0; x < pixW; x++ {
			px := float64(x) - centerX
			py := float64(y) - centerY
			for _, s := range spots {
				dx := px - s.ox
				dy := py - s.oy
				rLen := math.Sqrt(s.ox*s.ox + s.oy*s.oy)
				tx, ty := -s.oy/rLen, s.ox/rLen
				dt := dx*tx + dy*ty
				dn := dx*(-ty) + dy*tx
				if (dt*dt)/9.0+dn*dn < s.radius*s.radius {
					pixels[y][x] = s.color
				}
			}
		}
	}
	return pixels
}

// renderOrb draws the orb with half-block characters, two pixels per cell.
func renderOrb(frame int, scale float64, live bool) string {
	pixels := orbPixels(frame, scale)

	styles, bgStyles := &pixelStylesIdle, &pixelBgIdle
	if live {
		styles, bgStyles = &pixelStylesActive, &pixelBgActive
	}

	var result strings.Builder
	for cy := 0; cy < orbCharsH; cy++ {
		for cx := 0; cx < orbCharsW; cx++ {
			top := pixels[cy*2][cx]
			bot := pixels[cy*2+1][cx]
			switch {
			case top == 0 && bot == 0:
				result.WriteString(" ")
			case top == bot:
				result.WriteString(styles[top].Render("█"))
			case bot == 0:
				result.WriteString(styles[top].Render("▀"))
			case top == 0:
				result.WriteString(styles[bot].Render("▄"))
			default:
				result.WriteString(bgStyles[top][bot].Render("▀"))
			}
		}
		result.WriteString("\n")
	}
	return result.String()
}
