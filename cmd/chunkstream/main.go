// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Chunkstream is a command line tool for producing and inspecting
// chunked datasets.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, `Chunkstream manages chunked streaming datasets.

Usage:

	chunkstream <command> [arguments]

The commands are:

	optimize    rewrite a dataset with new chunk geometry and compression
	inspect     print a dataset's index summary
	cat         print a dataset's samples as JSON

Exit codes: 0 success, 2 configuration error, 3 input error,
4 worker failure, 5 upload failure, 6 index merge timeout.
`)
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("chunkstream: ")
	must.Func = log.Fatal
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "optimize":
		optimizeCmd(args)
	case "inspect":
		inspectCmd(args)
	case "cat":
		catCmd(args)
	}
}

// fail reports err and exits with the given code.
func fail(code int, err error) {
	log.Error.Printf("%v", err)
	os.Exit(code)
}

// exitCode maps err to a CLI exit code, using fallback when the
// error's kind does not determine one.
func exitCode(err error, fallback int) int {
	switch {
	case errors.Is(errors.Invalid, err):
		return 2
	case errors.Is(errors.Timeout, err):
		return 6
	default:
		return fallback
	}
}
