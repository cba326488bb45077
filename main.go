package main

import "github.com/edgeflare/sqlapi/cmd/sqlapi"

func main() {
	sqlapi.Main()
}
