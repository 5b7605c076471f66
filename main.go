// Command scrapecache runs the search caching service.
package main

import "github.com/JakeFAU/scrapecache/cmd"

func main() {
	cmd.Execute()
}
