package main

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/peer"
)

var (
	accent      = lipgloss.Color("#22d3ee")
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(accent).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(accent)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Render()
}

func describe(info domain.ProvideInfo) (kind, detail string) {
	kind = info.Kind
	if info.TrackKind != nil {
		kind += "/" + string(*info.TrackKind)
	}
	var parts []string
	if info.Label != nil {
		parts = append(parts, *info.Label)
	}
	if info.Size != nil {
		parts = append(parts, humanize.IBytes(*info.Size))
	}
	return kind, strings.Join(parts, ", ")
}

// printPeers lists every peer with the resources it provides.
func printPeers(w io.Writer, peers []*peer.Peer) {
	if len(peers) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No peers"))
		return
	}
	slices.SortFunc(peers, func(a, b *peer.Peer) int { return cmp.Compare(a.ID, b.ID) })
	var rows [][]string
	for _, p := range peers {
		res := p.RemoteResources()
		if len(res) == 0 {
			rows = append(rows, []string{p.ID.String(), p.Username(), p.State().String(), "", "", "", ""})
			continue
		}
		slices.SortFunc(res, func(a, b domain.ProvideInfo) int { return strings.Compare(a.ID, b.ID) })
		for _, info := range res {
			kind, detail := describe(info)
			state, _ := p.ResourceState(info.ID)
			rows = append(rows, []string{p.ID.String(), p.Username(), p.State().String(), info.ID, kind, detail, state.String()})
		}
	}
	fmt.Fprintln(w, renderTable([]string{"Peer", "User", "Link", "Resource", "Kind", "Details", "State"}, rows))
}

func printLocal(w io.Writer, infos []domain.ProvideInfo) {
	if len(infos) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("Nothing provided"))
		return
	}
	slices.SortFunc(infos, func(a, b domain.ProvideInfo) int { return strings.Compare(a.ID, b.ID) })
	var rows [][]string
	for _, info := range infos {
		kind, detail := describe(info)
		rows = append(rows, []string{info.ID, kind, detail})
	}
	fmt.Fprintln(w, renderTable([]string{"Resource", "Kind", "Details"}, rows))
}
