package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"playlistgen/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type embeddedServer struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8093", "playlistd base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", true, "start playlistd in the same monitor process lifecycle")
	serverBinary := flag.String("playlistd-bin", "", "path to playlistd binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded playlistd")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	var embeddedProc *embeddedServer
	var err error
	if *embedded {
		embeddedProc, err = startEmbeddedServer(*addr, *serverBinary, *dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded playlistd: %v\n", err)
			os.Exit(1)
		}
		defer embeddedProc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "playlistd health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	runsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	runsTable.SetTitle("Runs (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	stageViews := make([]*tview.TextView, 0, 4)
	stageTitles := []string{"1. Similarity Analyst", "2. Playlist Compiler", "3. Mood Classifier", "4. Discovery Recommender"}
	for _, title := range stageTitles {
		view := tview.NewTextView().
			SetDynamicColors(true).
			SetWrap(true)
		view.SetTitle(title).SetBorder(true)
		stageViews = append(stageViews, view)
	}

	eventsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	eventsView.SetTitle("Events").SetBorder(true)

	queryInput := tview.NewInputField().
		SetLabel("Artist -> Pipeline: ")
	queryInput.SetBorder(true).SetTitle("Enter = start run")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L focus artist, Ctrl+R focus runs",
		c.baseURL,
		*embedded,
	))

	stagesTop := tview.NewFlex().
		AddItem(stageViews[0], 0, 1, false).
		AddItem(stageViews[1], 0, 1, false)
	stagesBottom := tview.NewFlex().
		AddItem(stageViews[2], 0, 1, false).
		AddItem(stageViews[3], 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(stagesTop, 0, 2, false).
		AddItem(stagesBottom, 0, 2, false).
		AddItem(eventsView, 8, 0, false)

	mainLayout := tview.NewFlex().
		AddItem(runsTable, 0, 1, false).
		AddItem(right, 0, 3, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(queryInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedRunID string
	var lastRuns []domain.Run
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshRuns := func() {
		runs, err := c.listRuns()
		if err != nil {
			app.QueueUpdateDraw(func() {
				runsTable.Clear()
				runsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(runs, func(i, j int) bool {
			return runs[i].UpdatedAt.After(runs[j].UpdatedAt)
		})
		app.QueueUpdateDraw(func() {
			lastRuns = runs
			if selectedRunID == "" && len(runs) > 0 {
				selectedRunID = runs[0].ID
			}
			renderRunsTable(runsTable, runs, selectedRunID)
		})
	}

	refreshDetailsAsync := func(runID string) {
		if strings.TrimSpace(runID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)

		go func(selected string, v uint64) {
			run, runErr := c.getRun(selected)
			events, eventsErr := c.listRunEvents(selected, 200)

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedRunID {
					return
				}
				if runErr != nil {
					for _, view := range stageViews {
						view.SetText(fmt.Sprintf("error: %v", runErr))
					}
				} else {
					renderStages(stageViews, run)
				}
				if eventsErr != nil {
					eventsView.SetText(fmt.Sprintf("error: %v", eventsErr))
				} else {
					eventsView.SetText(renderEvents(events))
				}
			})
		}(runID, version)
	}

	submitQuery := func(query string) {
		query = strings.TrimSpace(query)
		if query == "" {
			return
		}
		setStatusUI("Starting pipeline run...")
		queryInput.SetText("")
		go func(artist string) {
			runID, err := c.startRun(artist)
			if err != nil {
				setStatusAsync("Failed to start run: " + err.Error())
				return
			}
			app.QueueUpdateDraw(func() {
				selectedRunID = runID
				statusView.SetText("Run started: " + runID)
				refreshDetailsAsync(runID)
			})
			refreshRuns()
		}(query)
	}

	queryInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitQuery(queryInput.GetText())
	})

	runsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastRuns) {
			return
		}
		selectedRunID = lastRuns[row-1].ID
		refreshDetailsAsync(selectedRunID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == queryInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(runsTable)
				setStatusUI("Focus -> runs")
				return nil
			}
			return event
		}

		if event.Key() == tcell.KeyEscape {
			app.SetFocus(runsTable)
			setStatusUI("Focus -> runs")
			return nil
		}
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshRuns()
			refreshDetailsAsync(selectedRunID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(queryInput)
			setStatusUI("Focus -> artist")
			return nil
		case tcell.KeyCtrlR:
			app.SetFocus(runsTable)
			setStatusUI("Focus -> runs")
			return nil
		}
		if event.Key() == tcell.KeyTAB {
			app.SetFocus(queryInput)
			return nil
		}
		if event.Key() == tcell.KeyRune {
			app.SetFocus(queryInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshRuns()
		for range ticker.C {
			refreshRuns()
			app.QueueUpdateDraw(func() {
				refreshDetailsAsync(selectedRunID)
			})
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(queryInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedServer(addr string, serverBinary string, dbPath string) (*embeddedServer, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	addrArg := ":" + port

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(serverBinary) != "" {
		cmd = exec.Command(serverBinary, "--addr", addrArg, "--db", dbPath)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "playlistd")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, "--addr", addrArg, "--db", dbPath)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", "run", "./cmd/playlistd", "--addr", addrArg, "--db", dbPath)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start playlistd process: %w", err)
	}

	return &embeddedServer{cmd: cmd}, nil
}

func (e *embeddedServer) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func renderRunsTable(table *tview.Table, runs []domain.Run, selectedRunID string) {
	table.Clear()
	headers := []string{"Run", "Status", "Artist", "Updated"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, run := range runs {
		row := i + 1
		artist := run.ResolvedName
		if artist == "" {
			artist = run.Query
		}
		table.SetCell(row, 0, tview.NewTableCell(shortID(run.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(run.Status)))
		table.SetCell(row, 2, tview.NewTableCell(trimLine(artist, 32)))
		table.SetCell(row, 3, tview.NewTableCell(run.UpdatedAt.Format("15:04:05")))
		if run.ID == selectedRunID {
			table.Select(row, 0)
		}
	}
}

func renderStages(views []*tview.TextView, run domain.Run) {
	for i, view := range views {
		if i >= len(run.Stages) {
			switch run.Status {
			case domain.RunStatusRunning:
				view.SetText("Waiting...")
			case domain.RunStatusFailed:
				view.SetText("Not executed: " + run.LastError)
			default:
				view.SetText("No output")
			}
			continue
		}
		stage := run.Stages[i]
		if stage.Failed {
			view.SetText(fmt.Sprintf("[red]FAILED[-]\n%s", stage.FailReason))
			continue
		}
		view.SetText(stage.Output)
	}
}

func renderEvents(events []domain.RunEvent) string {
	if len(events) == 0 {
		return "No events"
	}
	var b strings.Builder
	for _, ev := range events {
		b.WriteString(fmt.Sprintf("[%s] %s", ev.CreatedAt.Format("15:04:05"), ev.Action))
		if ev.Stage != "" {
			b.WriteString(" stage=" + ev.Stage)
		}
		if ev.Reason != "" {
			b.WriteString(" " + trimLine(ev.Reason, 80))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (c *client) listRuns() ([]domain.Run, error) {
	var runs []domain.Run
	if err := c.getJSON("/runs", &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (c *client) getRun(runID string) (domain.Run, error) {
	var run domain.Run
	if err := c.getJSON("/runs/"+runID, &run); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

func (c *client) listRunEvents(runID string, limit int) ([]domain.RunEvent, error) {
	var events []domain.RunEvent
	if err := c.getJSON(fmt.Sprintf("/runs/%s/events?limit=%d", runID, limit), &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *client) startRun(artist string) (string, error) {
	payload, err := json.Marshal(map[string]string{"artist": artist})
	if err != nil {
		return "", err
	}
	resp, err := c.http.Post(c.baseURL+"/runs", "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("start run status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var run domain.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return "", err
	}
	return run.ID, nil
}

func (c *client) getJSON(path string, out any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("GET %s status=%d body=%s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func trimLine(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
