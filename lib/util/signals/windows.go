//go:build windows

package signals

import "os"

var watched = []os.Signal{os.Interrupt}

func classify(os.Signal) kind { return kindInterrupt }
