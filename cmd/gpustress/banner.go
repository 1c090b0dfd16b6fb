package main

import (
	"fmt"
	"io"

	"github.com/common-nighthawk/go-figure"
)

func printBanner(w io.Writer, exitIfAllFail bool) {
	figure.Write(w, figure.NewFigure("GPUStress", "", true))
	fmt.Fprint(w, warningText+"\n")
	if exitIfAllFail {
		fmt.Fprint(w, allFailText+"\n")
	}
}
