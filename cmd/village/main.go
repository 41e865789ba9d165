package main

import (
	"os"

	"github.com/ThomasVuNguyen/village/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
