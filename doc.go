// Package mofa2 provides a multi-omics factor analysis engine for Go:
// mean-field variational inference of a multi-group, multi-view latent
// factor model with automatic relevance determination.
//
// The engine decomposes several feature matrices (views) measured on
// shared samples, optionally split into sample groups, into a small set
// of latent factors with per-view weights, handling missing values and
// Gaussian, Bernoulli or Poisson observations.
//
// # Quick Start
//
//	package main
//
//	import (
//	    "fmt"
//	    "log"
//
//	    "github.com/laurenctang/MOFA2/config"
//	    "github.com/laurenctang/MOFA2/data"
//	    "github.com/laurenctang/MOFA2/inference"
//	)
//
//	func main() {
//	    views := map[string]data.ViewMatrix{
//	        "rna": {Samples: samples, Features: genes, Data: rna},
//	        "atac": {Samples: samples, Features: peaks, Data: atac},
//	    }
//	    c, err := data.NewContainer(views, samples, groups)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    cfg, err := config.New(
//	        config.WithNumFactors(10),
//	        config.WithSeed(42),
//	    ).Prepare(c)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    model, err := inference.NewTrainer(cfg, c).Fit()
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    fmt.Println("factors:", model.NumFactors())
//	}
//
// # Packages
//
// The library is organized into several packages:
//
//   - data: multi-view, multi-group container with missing-value support
//   - config: option bundles, validation and the frozen configuration
//   - inference: coordinate-ascent variational trainer with restarts
//   - artifact: the fitted model and its binary persistence format
//   - analysis: variance decomposition, factor and weight queries,
//     gene-set enrichment
package mofa2
