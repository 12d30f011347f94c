package main

import "github.com/zabbix-tools/pgmanager/cmd"

func main() {
	cmd.Execute()
}
