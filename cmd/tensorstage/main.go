package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/justinsb/tensorstage/pkg/config"
	"github.com/justinsb/tensorstage/pkg/engine"
	"github.com/justinsb/tensorstage/pkg/engine/fallback"
	"github.com/justinsb/tensorstage/pkg/image"
	"github.com/justinsb/tensorstage/pkg/model"
	"github.com/justinsb/tensorstage/pkg/placeholder"
	"k8s.io/klog/v2"
)

func main() {
	ctx := context.Background()
	if err := run(ctx, os.Stdout); err != nil {
		var execErr *model.SessionExecutionError
		if errors.As(err, &execErr) {
			fmt.Fprintf(os.Stderr, "%s", execErr.Report())
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer) error {
	configPath := os.Getenv("TENSORSTAGE_CONFIG")
	flag.StringVar(&configPath, "config", configPath, "path to the stage config file")
	execute := false
	flag.BoolVar(&execute, "execute", execute, "run the stage once at the configured center after negotiating shapes")

	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	if configPath == "" {
		return fmt.Errorf("must specify --config or TENSORSTAGE_CONFIG")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	graph, err := fallback.LoadGraph(ctx, cfg.Graph)
	if err != nil {
		return fmt.Errorf("loading graph: %w", err)
	}
	session, err := fallback.NewSession(graph)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	defer session.Close()

	m, err := buildModel(cfg, graph, session)
	if err != nil {
		return err
	}

	if err := m.NegotiateShapes(ctx); err != nil {
		return err
	}
	if err := printMetadata(out, m); err != nil {
		return err
	}

	if !execute {
		return nil
	}

	center := image.Index(cfg.CenterIndex())
	log.Info("executing stage", "graph", graph.Name(), "center", center)
	outputs, err := m.Execute(ctx, center)
	if err != nil {
		return err
	}
	for i, t := range outputs {
		stats := t.Summarize(8)
		fmt.Fprintf(out, "output %s: %v min=%g max=%g mean=%g head=%v\n",
			m.OutputTensors()[i], t, stats.Min, stats.Max, stats.Mean, stats.Head)
	}
	return nil
}

func buildModel(cfg *config.StageConfig, graph engine.Graph, session engine.Session) (*model.MultisourceModel, error) {
	m := model.New(graph, session)
	for _, in := range cfg.Inputs {
		img, err := image.NewBuffer(in.Image.Size, in.Image.Components)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", in.Placeholder, err)
		}
		img.Fill(in.Image.Fill)
		if in.Image.Spacing != nil {
			img.SetSpacing(in.Image.Spacing)
		}
		m.AddInput(in.Placeholder, in.ReceptiveField, img)
	}
	for _, o := range cfg.Outputs {
		m.AddOutput(o.Tensor, o.ExpressionField)
	}
	userPlaceholders, err := placeholder.ParseDictionary(cfg.UserPlaceholders...)
	if err != nil {
		return nil, err
	}
	m.SetUserPlaceholders(userPlaceholders)
	m.SetTargetNodes(cfg.Targets)
	return m, nil
}

func printMetadata(out io.Writer, m *model.MultisourceModel) error {
	inputs, err := m.InputMetadata()
	if err != nil {
		return err
	}
	outputs, err := m.OutputMetadata()
	if err != nil {
		return err
	}
	specs, err := m.OutputImageSpecs()
	if err != nil {
		return err
	}
	for _, md := range inputs {
		fmt.Fprintf(out, "input %s: %s%v\n", md.Name, md.DType, md.Shape)
	}
	for i, md := range outputs {
		fmt.Fprintf(out, "output %s: %s%v image size=%v components=%d spacing=%v\n",
			md.Name, md.DType, md.Shape, specs[i].Size, specs[i].Components, specs[i].Spacing)
	}
	return nil
}
