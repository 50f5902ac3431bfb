package main

import "github.com/surge-downloader/filetransfer/cmd"

func main() {
	cmd.Execute()
}
