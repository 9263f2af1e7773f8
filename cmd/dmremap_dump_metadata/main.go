package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/amigatomte/go-dmremap"
)

type rootParameters struct {
	SpareFilepath string `short:"s" long:"spare" description:"File-path of the spare device" required:"true"`
	SectorSize    uint32 `long:"sector-size" description:"Sector size" default:"512"`
	ShowSlots     bool   `short:"d" long:"detail" description:"Show the full remap array"`
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

	spareDevice, spareFile, err := dmremap.OpenFileDevice(rootArguments.SpareFilepath, rootArguments.SectorSize)
	log.PanicIf(err)

	defer spareFile.Close()

	store := dmremap.NewMetadataStore(spareDevice)

	record, copies, err := store.Read()

	fmt.Printf("Copies\n")
	fmt.Printf("======\n")
	fmt.Printf("\n")

	for _, status := range copies {
		if status.Err != nil {
			fmt.Printf("%d @ sector %-5d INVALID  %v\n", status.CopyIndex, status.Sector, status.Err)
		} else {
			fmt.Printf("%d @ sector %-5d ok       sequence=%s\n", status.CopyIndex, status.Sector, humanize.Comma(int64(status.SequenceNumber)))
		}

		if status.Repaired == true {
			fmt.Printf("  -> repair scheduled\n")
		}
	}

	fmt.Printf("\n")

	log.PanicIf(err)

	record.Dump()

	if rootArguments.ShowSlots == true {
		for i, slot := range record.ActiveSlots() {
			fmt.Printf("%4d: main=%d spare=%d errors=%d reason=%s\n", i, slot.OriginalSector, slot.SpareSector, slot.ErrorCount, dmremap.RemapReason(slot.Reason))
		}
	}

	// Let any scheduled self-repairs land before the process exits.
	store.Drain()
}
