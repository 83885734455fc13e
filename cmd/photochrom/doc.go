// Package main hosts the photochrom CLI entrypoint and command graph.
//
// The Cobra command tree resolves configuration once, builds the structured
// logger, and hands off to the data, training and tracking packages: train
// runs or resumes a colorization run, prepare and cache build the training
// corpus, and summary, checkpoints and runs inspect what a run produced.
//
// Keep this package lean: add behavior to the library packages first, then
// surface it through a command here.
package main
