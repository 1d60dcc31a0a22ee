package logging

import (
	"log"
	"os"
)

var (
	Internal = log.New(os.Stdout, "[internal] ", log.LstdFlags)
	HTTP     = log.New(os.Stdout, "[http] ", log.LstdFlags)
	Worker   = log.New(os.Stdout, "[worker] ", log.LstdFlags)
	Queue    = log.New(os.Stdout, "[queue] ", log.LstdFlags)
	Ledger   = log.New(os.Stdout, "[ledger] ", log.LstdFlags)
	Transfer = log.New(os.Stdout, "[transfer] ", log.LstdFlags)
	Publish  = log.New(os.Stdout, "[publish] ", log.LstdFlags)
	Telegram = log.New(os.Stdout, "[telegram] ", log.LstdFlags)
	Janitor  = log.New(os.Stdout, "[janitor] ", log.LstdFlags)
)
