package main

import "github.com/ValentinKolb/plock/cmd"

func main() {
	cmd.Execute()
}
