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

	tgt, err := dmremap.NewTarget(mainDevice, spareDevice, dmremap.TargetOptions{
		LoadDelay:          -1,
		HealthScanInterval: -1,
	})

	log.PanicIf(err)

	defer tgt.Destroy()

	for _, command := range []string{"status", "stats", "health", "cache_stats", "metadata status"} {
		response, err := tgt.Message(command)
		log.PanicIf(err)

		fmt.Printf("%-15s %s\n", command+":", response)
	}
}
