//go:build tensorflow
// +build tensorflow

package main

// keras SavedModel folders, needs libtensorflow
import _ "github.com/maricarminate/Cats-vs-Dogs/inference/tfmodel"
