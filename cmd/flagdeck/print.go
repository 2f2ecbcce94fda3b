package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"flagdeck/internal/config"
	"flagdeck/internal/domain"
)

func printSuccess(w io.Writer, msg string, params ...any) {
	fmt.Fprintln(w, color.New(color.FgGreen).Sprintf(msg, params...))
}

func printWarning(w io.Writer, msg string, params ...any) {
	fmt.Fprintln(w, color.New(color.FgYellow).Sprintf(msg, params...))
}

func printErr(w io.Writer, err error) {
	fmt.Fprintln(w, color.New(color.FgRed).Sprint("error: ", err))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrTable(v any, render func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	render()
	return nil
}

func valueString(v any) string {
	switch b := v.(type) {
	case bool:
		if b {
			return color.GreenString("true")
		}
		return color.RedString("false")
	default:
		return fmt.Sprint(v)
	}
}

// since renders an RFC 3339 timestamp as a relative time.
func since(ts string) string {
	if ts == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func renderFlags(items []domain.FlagView) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Name", "Channel", "Kind", "Value", "Default", "Override"})
	for _, f := range items {
		override := ""
		if f.Overridden {
			override = fmt.Sprintf("%s (%s)", f.OverriddenBy, since(f.OverriddenAt))
		}
		tw.AppendRow(table.Row{f.Name, f.Channel, f.Kind, valueString(f.Value), fmt.Sprint(f.Default), override})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "Total", humanize.Comma(int64(len(items)))})
	tw.Render()
}

func renderFlag(f domain.FlagView) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"Name", f.Name},
		{"ID", f.ID},
		{"Channel", f.Channel},
		{"Kind", f.Kind},
		{"State", f.State},
		{"Default", fmt.Sprint(f.Default)},
		{"Value", valueString(f.Value)},
		{"Description", f.Description},
	})
	if f.Overridden {
		tw.AppendRow(table.Row{"Overridden by", f.OverriddenBy})
		tw.AppendRow(table.Row{"Overridden", since(f.OverriddenAt)})
	}
	tw.Render()
}

func renderCatalog(cfg *config.Config) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Channel", "Kind", "State/Default"})
	for _, e := range cfg.Flags {
		kind := e.Kind
		def := e.State
		if e.IsInt() {
			def = fmt.Sprint(e.Default)
		} else {
			kind = config.KindBool
		}
		tw.AppendRow(table.Row{e.ID, e.Name, e.Channel, kind, def})
	}
	tw.Render()
	fmt.Printf("build: debug_device=%t teamfood=%t studio_build=%t qsb_on_first_screen=%t\n",
		cfg.Build.DebugDevice, cfg.Build.Teamfood, cfg.Build.StudioBuild, cfg.Build.QSBOnFirstScreen)
}

func renderToggler(t domain.Toggler) {
	state := color.RedString("hidden")
	if t.Visible {
		state = color.GreenString("visible")
	}
	fmt.Printf("toggler: %s (debug_device=%t developer_options=%t allow_release=%t)\n",
		state, t.DebugDevice, t.DeveloperOptions, t.AllowRelease)
}

func renderEvents(items []domain.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "When", "Type", "Entity", "Actor", "Payload"})
	for _, e := range items {
		payload, _ := json.Marshal(e.Payload)
		tw.AppendRow(table.Row{e.ID, since(e.TS), e.Type, e.EntityID, e.ActorID, string(payload)})
	}
	tw.Render()
}

func renderAPIKeys(items []domain.APIKey) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Permissions", "Created"})
	for _, k := range items {
		tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, fmt.Sprint(k.Permissions), since(k.CreatedAt)})
	}
	tw.Render()
}
