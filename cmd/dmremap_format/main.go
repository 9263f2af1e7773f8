package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/amigatomte/go-dmremap"
)

type rootParameters struct {
	MainFilepath  string `short:"m" long:"main" description:"File-path of the main device" required:"true"`
	SpareFilepath string `short:"s" long:"spare" description:"File-path of the spare device" required:"true"`
	SectorSize    uint32 `long:"sector-size" description:"Sector size" default:"512"`
	Strict        bool   `long:"strict" description:"Require the spare to be at least 1.05x the main"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	mainDevice, mainFile, err := dmremap.OpenFileDevice(rootArguments.MainFilepath, rootArguments.SectorSize)
	log.PanicIf(err)

	defer mainFile.Close()

	spareDevice, spareFile, err := dmremap.OpenFileDevice(rootArguments.SpareFilepath, rootArguments.SectorSize)
	log.PanicIf(err)

	defer spareFile.Close()

	record, err := dmremap.FormatSpare(mainDevice, spareDevice, dmremap.TargetOptions{
		StrictSizing: rootArguments.Strict,
	})

	log.PanicIf(err)

	fmt.Printf("Spare device formatted.\n")
	fmt.Printf("\n")

	record.Dump()
}
